// Package nostrp is the relay-based push plugin: it mirrors bridged users as
// deterministically derived keypairs, publishes their activities as signed
// events, and feeds native events from the relay firehose into the receive
// queue.
package nostrp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/protocol"
	"github.com/brigfed/brig/internal/store"
)

// Label is the plugin's registry label.
const Label = "nostr"

// Plugin implements protocol.Protocol for relay-based push federation.
type Plugin struct {
	cfg    *config.Config
	store  *store.Store
	log    *slog.Logger
	signer *Signer
	pool   *pool
	bridge *protocol.Router
}

// New creates the plugin. SetRouter must be called before use.
func New(cfg *config.Config, st *store.Store, log *slog.Logger) (*Plugin, error) {
	signer, err := NewSigner(cfg.NostrSecretKey)
	if err != nil {
		return nil, fmt.Errorf("nostr signer: %w", err)
	}
	return &Plugin{
		cfg:    cfg,
		store:  st,
		log:    log,
		signer: signer,
		pool:   newPool(cfg.NostrRelays, log),
	}, nil
}

// SetRouter attaches the activity router.
func (p *Plugin) SetRouter(r *protocol.Router) { p.bridge = r }

func (p *Plugin) Info() protocol.Info {
	push := ""
	if len(p.cfg.NostrRelays) > 0 {
		push = p.cfg.NostrRelays[0]
	}
	return protocol.Info{
		Label:                   Label,
		Abbrev:                  "nostr",
		ContentType:             "application/nostr+json",
		HasFollowAccepts:        false,
		HasCopies:               true,
		PushEndpoint:            push,
		DefaultEnabledProtocols: []string{"activitypub"},
		Handles:                 protocol.HandleDomain,
	}
}

func (p *Plugin) OwnsID(id string) protocol.Ownership {
	id = strings.TrimPrefix(id, "nostr:")
	if hexID.MatchString(id) {
		return protocol.OwnsYes
	}
	for _, prefix := range []string{"npub1", "note1", "nevent1", "nprofile1"} {
		if strings.HasPrefix(id, prefix) {
			return protocol.OwnsYes
		}
	}
	return protocol.OwnsNo
}

func (p *Plugin) OwnsHandle(handle string, allowInternal bool) protocol.Ownership {
	// NIP-05 identifiers: user@domain, or a bare domain meaning _@domain.
	if strings.HasPrefix(handle, "@") || strings.Contains(handle, "/") {
		return protocol.OwnsNo
	}
	if !allowInternal && strings.HasSuffix(handle, p.cfg.SuperDomain) {
		return protocol.OwnsNo
	}
	switch strings.Count(handle, "@") {
	case 0:
		if strings.Contains(handle, ".") {
			return protocol.OwnsUnknown
		}
	case 1:
		if strings.Contains(handle[strings.Index(handle, "@"):], ".") {
			return protocol.OwnsUnknown
		}
	}
	return protocol.OwnsNo
}

// HandleToID resolves a NIP-05 identifier via the domain's well-known
// mapping file.
func (p *Plugin) HandleToID(ctx context.Context, handle string) (string, error) {
	name, domain := "_", handle
	if i := strings.Index(handle, "@"); i >= 0 {
		name, domain = handle[:i], handle[i+1:]
	}
	if name == "" || domain == "" {
		return "", nil
	}

	wkURL := fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s",
		domain, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wkURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}

	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(nil, resp.Body, 1<<16)).Decode(&doc); err != nil {
		return "", nil
	}
	pubkey := doc.Names[name]
	if !hexID.MatchString(pubkey) {
		return "", nil
	}
	return nip19.EncodePublicKey(pubkey)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Fetch queries the configured relays for the event or profile behind
// obj.ID.
func (p *Plugin) Fetch(ctx context.Context, obj *store.Object) (bool, error) {
	id := strings.TrimPrefix(obj.ID, "nostr:")
	h := eventHex(id)
	if h == "" {
		return false, nil
	}

	var filter nostr.Filter
	if strings.HasPrefix(id, "npub1") || strings.HasPrefix(id, "nprofile1") {
		filter = nostr.Filter{Authors: []string{h}, Kinds: []int{0}, Limit: 1}
	} else {
		filter = nostr.Filter{IDs: []string{h}, Limit: 1}
	}

	ev := p.pool.queryOne(ctx, filter)
	if ev == nil {
		return false, nil
	}
	activity := fromEvent(ev)
	if activity == nil {
		return false, nil
	}

	obj.AS1 = activity
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	obj.Raw = map[string]json.RawMessage{Label: raw}
	return true, nil
}

// Send publishes obj to the relay at uri as an event signed with the origin
// user's derived key.
func (p *Plugin) Send(ctx context.Context, obj *store.Object, uri string, fromUser *store.User, origObj *store.Object) (bool, error) {
	originID := as1.Owner(obj.AS1)
	if fromUser != nil {
		originID = fromUser.Key.ID
	}
	if originID == "" {
		return false, nil
	}
	pubkey, err := p.signer.PublicKey(originID)
	if err != nil {
		return false, err
	}

	translated, err := p.bridge.TranslateIDs(ctx, obj.AS1, p)
	if err != nil {
		return false, err
	}
	event := toEvent(translated, pubkey)
	if event == nil {
		return false, nil
	}
	if err := p.signer.Sign(event, originID); err != nil {
		return false, err
	}

	if err := p.pool.publish(ctx, []string{uri}, event); err != nil {
		return false, err
	}
	p.recordCopy(obj, fromUser, event)
	return true, nil
}

// recordCopy remembers the published event id as the object's (or, for
// profiles, the user's) mirror in this protocol, so later references resolve
// without re-publishing.
func (p *Plugin) recordCopy(obj *store.Object, fromUser *store.User, event *nostr.Event) {
	if event.Kind == 0 {
		if fromUser == nil {
			return
		}
		npub, err := nip19.EncodePublicKey(event.PubKey)
		if err != nil {
			return
		}
		fromUser.Copies = store.AddTarget(fromUser.Copies, store.Target{Protocol: Label, URI: npub})
		if err := p.store.PutUser(fromUser); err != nil {
			p.log.Warn("recording user copy failed", "user", fromUser.Key.ID, "err", err)
		}
		return
	}

	note, err := nip19.EncodeNote(event.ID)
	if err != nil {
		return
	}
	innerID := as1.ID(as1.Inner(obj.AS1))
	if innerID == "" || innerID == obj.ID {
		return
	}
	inner, err := p.store.GetObject(innerID)
	if err != nil || inner == nil {
		return
	}
	inner.Copies = store.AddTarget(inner.Copies, store.Target{Protocol: Label, URI: note})
	if err := p.store.PutObject(inner); err != nil {
		p.log.Warn("recording object copy failed", "id", innerID, "err", err)
	}
}

func (p *Plugin) Convert(ctx context.Context, obj *store.Object, fromUser *store.User) (any, error) {
	if obj == nil || obj.AS1 == nil {
		return nil, fmt.Errorf("nothing to convert")
	}
	if raw, ok := obj.Raw[Label]; ok {
		var ev nostr.Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			return &ev, nil
		}
	}

	originID := as1.Owner(obj.AS1)
	if fromUser != nil {
		originID = fromUser.Key.ID
	}
	pubkey := ""
	if originID != "" {
		var err error
		pubkey, err = p.signer.PublicKey(originID)
		if err != nil {
			return nil, err
		}
	}
	activity := p.bridge.BridgedActorAS1(obj, fromUser, p)
	if !as1.IsActivity(activity) {
		activity = as1.Object{"objectType": "activity", "verb": as1.VerbPost, "object": activity}
	}
	event := toEvent(activity, pubkey)
	if event == nil {
		return nil, fmt.Errorf("no event representation for %s", obj.ID)
	}
	return event, nil
}

// TargetFor returns the shared relay endpoint; relay-based delivery has no
// per-user inbox.
func (p *Plugin) TargetFor(ctx context.Context, obj *store.Object, shared bool) (string, error) {
	if len(p.cfg.NostrRelays) == 0 {
		return "", nil
	}
	return p.cfg.NostrRelays[0], nil
}

func (p *Plugin) BridgedWebURLFor(user *store.User) string {
	if user == nil {
		return ""
	}
	pubkey, err := p.signer.PublicKey(user.Key.ID)
	if err != nil {
		return ""
	}
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return ""
	}
	return "https://" + p.Info().Abbrev + p.cfg.SuperDomain + "/" + npub
}

// Listen returns a firehose listener that persists native events from
// bridged-into users and enqueues them for the receive pipeline.
func (p *Plugin) Listen() *Listener {
	authors := func() ([]string, error) {
		ids, err := p.store.UserIDsByProtocol(Label)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, id := range ids {
			if h := decodeHexPubkey(strings.TrimPrefix(id, "nostr:")); h != "" {
				out = append(out, h)
			}
		}
		return out, nil
	}
	return NewListener(p.pool, authors, p.handleEvent, p.log)
}

func (p *Plugin) handleEvent(ctx context.Context, event *nostr.Event) {
	if ok, err := event.CheckSignature(); err != nil || !ok {
		return
	}
	activity := fromEvent(event)
	if activity == nil {
		return
	}
	id := as1.ID(activity)
	authedAs, err := nip19.EncodePublicKey(event.PubKey)
	if err != nil || id == "" {
		return
	}

	raw, _ := json.Marshal(event)
	obj, err := p.store.GetOrCreateObject(id, authedAs, store.ObjectProps{
		AS1:            activity,
		Raw:            map[string]json.RawMessage{Label: raw},
		SourceProtocol: Label,
	})
	if err != nil {
		p.log.Warn("persisting relay event failed", "id", id, "err", err)
		return
	}
	if err := p.bridge.EnqueueReceive(ctx, obj, authedAs); err != nil {
		p.log.Error("enqueueing receive failed", "id", id, "err", err)
	}
}
