package apub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

const (
	activityJSONType = `application/activity+json`
	ldJSONType       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	userAgent        = "brig (federation bridge)"
)

// ErrGone is returned when a remote resource answers 410, meaning the actor
// or object was deleted.
var ErrGone = errors.New("resource gone (410)")

var httpClient = &http.Client{Timeout: 30 * time.Second}

// fetchJSON does a signed GET of an actor or object document.
func fetchJSON(ctx context.Context, rawURL, keyID string, priv *rsa.PrivateKey, maxBytes int) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", activityJSONType+", "+ldJSONType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if priv != nil {
		signer, _, err := httpsig.NewSigner(
			[]httpsig.Algorithm{httpsig.RSA_SHA256},
			httpsig.DigestSha256,
			[]string{httpsig.RequestTarget, "host", "date", "digest"},
			httpsig.Signature,
			0,
		)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		if err := signer.SignRequest(priv, keyID, req, nil); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, ErrGone
	case resp.StatusCode >= 502 && resp.StatusCode <= 504:
		return nil, fmt.Errorf("fetch %s: HTTP %d: %w", rawURL, resp.StatusCode, errGatewayStatus)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" &&
		!strings.Contains(ct, "json") {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(body) > maxBytes {
		return nil, fmt.Errorf("fetch %s: body over %d bytes", rawURL, maxBytes)
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, nil
	}
	return obj, nil
}

// errGatewayStatus marks upstream proxy failures for the router's discovery
// abort.
var errGatewayStatus = errors.New("upstream gateway failure")

// deliver posts a signed activity to an inbox.
func deliver(ctx context.Context, inbox string, activity map[string]any, keyID string, priv *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", activityJSONType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(priv, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deliver to %s: HTTP %d: %s", inbox, resp.StatusCode, msg)
	}
	return nil
}

// VerifySignature checks an inbound request's HTTP signature against the
// actor's published key and returns the signing actor's id.
func VerifySignature(req *http.Request, fetchActor func(ctx context.Context, id string) (map[string]any, error)) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}
	keyID := verifier.KeyId()
	actorID := strings.SplitN(keyID, "#", 2)[0]

	actor, err := fetchActor(req.Context(), actorID)
	if err != nil {
		if errors.Is(err, ErrGone) {
			// deletes from already-deleted accounts can't be verified
			return actorID, nil
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	keyObj, _ := actor["publicKey"].(map[string]any)
	pemStr, _ := keyObj["publicKeyPem"].(string)
	if pemStr == "" {
		return "", fmt.Errorf("actor %s has no public key", actorID)
	}
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorID, err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return actorID, nil
}

// webFingerResolve resolves user@domain to an actor id.
func webFingerResolve(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	_, domain, ok := strings.Cut(handle, "@")
	if !ok {
		return "", fmt.Errorf("invalid handle %q: expected user@domain", handle)
	}

	wfURL := "https://" + domain + "/.well-known/webfinger?resource=acct:" + handle
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return "", fmt.Errorf("webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger returned HTTP %d for %s", resp.StatusCode, handle)
	}

	var wf struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("webfinger decode: %w", err)
	}
	for _, link := range wf.Links {
		if link.Rel == "self" && (link.Type == activityJSONType || link.Type == ldJSONType) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("no actor link found for %s", handle)
}
