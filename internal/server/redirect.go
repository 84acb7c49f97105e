package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/publicsuffix"

	"github.com/brigfed/brig/internal/protocol"
)

// proxies and some CDNs collapse the double slash after the scheme
var collapsedScheme = regexp.MustCompile(`^(https?:)/([^/])`)

// handleRedirect serves GET /r/<url>: content negotiation into a protocol's
// native format when the Accept header asks for it, otherwise a redirect to
// the original URL for domains we bridge.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	target = collapsedScheme.ReplaceAllString(target, "$1//$2")

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		jsonError(w, fmt.Sprintf("expected a web URL, got %q", target), http.StatusBadRequest)
		return
	}

	accept := r.Header.Get("Accept")
	for _, p := range s.bridge.Registry.Sorted() {
		ct := p.Info().ContentType
		if ct == "" || !acceptsType(accept, ct) {
			continue
		}
		s.convertAndServe(w, r, target, p, ct)
		return
	}

	host := strings.ToLower(u.Hostname())
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		domain = host
	}
	if !s.knownDomain(domain) && !s.allowlisted(domain) {
		jsonError(w, fmt.Sprintf("domain %s isn't bridged here", domain), http.StatusNotFound)
		return
	}

	for _, p := range s.bridge.Registry.Sorted() {
		if ct := p.Info().ContentType; ct != "" {
			w.Header().Add("Link", fmt.Sprintf(`<%s>; rel="alternate"; type=%q`,
				s.cfg.BaseURL("/r/"+target), ct))
		}
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// convertAndServe fetches target through its own protocol and renders it in
// dest's native format.
func (s *Server) convertAndServe(w http.ResponseWriter, r *http.Request, target string, dest protocol.Protocol, contentType string) {
	ctx := r.Context()
	from, err := s.bridge.ForID(ctx, target, true)
	if err != nil || from == nil {
		jsonError(w, fmt.Sprintf("can't determine protocol for %s", target), http.StatusNotFound)
		return
	}
	obj, err := s.bridge.LoadObject(ctx, from, target)
	if err != nil || obj == nil || obj.AS1 == nil {
		jsonError(w, fmt.Sprintf("can't load %s", target), http.StatusBadGateway)
		return
	}
	translated, err := s.bridge.TranslateIDs(ctx, obj.AS1, dest)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	obj.AS1 = translated

	out, err := dest.Convert(ctx, obj, nil)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Accept")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("failed to encode converted object", "error", err)
	}
}

// knownDomain reports whether any bridged user's handle sits on domain.
func (s *Server) knownDomain(domain string) bool {
	for _, p := range s.bridge.Registry.Sorted() {
		user, err := s.store.UserByHandle(p.Info().Label, domain)
		if err == nil && user != nil && !user.Blocked() {
			return true
		}
	}
	return false
}

func (s *Server) allowlisted(domain string) bool {
	for _, d := range s.cfg.RedirectAllowlist {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// acceptsType does loose Accept-header matching: an exact media type match
// on any listed alternative, parameters ignored.
func acceptsType(accept, contentType string) bool {
	base := contentType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	for _, part := range strings.Split(accept, ",") {
		media := strings.TrimSpace(part)
		if i := strings.Index(media, ";"); i >= 0 {
			media = strings.TrimSpace(media[:i])
		}
		if strings.EqualFold(media, base) {
			return true
		}
	}
	return false
}
