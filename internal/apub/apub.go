// Package apub is the actor-inbox federation plugin: signed fetch and
// delivery of activity documents, webfinger handle resolution, and an inbox
// adapter that feeds inbound activities to the receive queue.
package apub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/protocol"
	"github.com/brigfed/brig/internal/store"
)

// Label is the plugin's registry label.
const Label = "activitypub"

// Plugin implements protocol.Protocol for actor-inbox federation.
type Plugin struct {
	cfg    *config.Config
	store  *store.Store
	log    *slog.Logger
	keys   *KeyPair
	bridge *protocol.Router
}

// New creates the plugin. SetRouter must be called before use; the router
// and its plugins reference each other.
func New(cfg *config.Config, st *store.Store, log *slog.Logger, keys *KeyPair) *Plugin {
	return &Plugin{cfg: cfg, store: st, log: log, keys: keys}
}

// SetRouter attaches the activity router.
func (p *Plugin) SetRouter(r *protocol.Router) { p.bridge = r }

func (p *Plugin) Info() protocol.Info {
	return protocol.Info{
		Label:                   Label,
		Abbrev:                  "ap",
		ContentType:             activityJSONType,
		HasFollowAccepts:        true,
		HasCopies:               false,
		RequiresAvatar:          false,
		RequiresName:            false,
		DefaultEnabledProtocols: []string{"nostr"},
		Handles:                 protocol.HandleAtDomain,
	}
}

func (p *Plugin) OwnsID(id string) protocol.Ownership {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return protocol.OwnsUnknown
	}
	return protocol.OwnsNo
}

func (p *Plugin) OwnsHandle(handle string, allowInternal bool) protocol.Ownership {
	if strings.HasPrefix(handle, "@") && strings.Count(handle, "@") == 2 {
		if !allowInternal && strings.HasSuffix(handle, p.cfg.SuperDomain) {
			return protocol.OwnsNo
		}
		return protocol.OwnsYes
	}
	if strings.Count(handle, "@") == 1 && strings.Contains(handle, ".") {
		return protocol.OwnsUnknown
	}
	return protocol.OwnsNo
}

func (p *Plugin) HandleToID(ctx context.Context, handle string) (string, error) {
	return webFingerResolve(ctx, handle)
}

func (p *Plugin) keyID(actorID string) string {
	if actorID == "" {
		return p.cfg.BaseURL("/ap/actor#main-key")
	}
	return actorID + "#key"
}

func (p *Plugin) Fetch(ctx context.Context, obj *store.Object) (bool, error) {
	doc, err := fetchJSON(ctx, obj.ID, p.keyID(""), p.keys.Private, p.cfg.MaxObjectBytes)
	if err != nil {
		if errors.Is(err, ErrGone) {
			p.log.Debug("remote object gone", "id", obj.ID)
			return false, nil
		}
		if errors.Is(err, errGatewayStatus) {
			return false, fmt.Errorf("%v: %w", err, protocol.ErrGateway)
		}
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	if _, hasType := doc["type"].(string); !hasType {
		return false, nil
	}

	obj.AS1 = FromWire(doc)
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	obj.Raw = map[string]json.RawMessage{Label: raw}
	return true, nil
}

func (p *Plugin) Send(ctx context.Context, obj *store.Object, uri string, fromUser *store.User, origObj *store.Object) (bool, error) {
	translated, err := p.bridge.TranslateIDs(ctx, obj.AS1, p)
	if err != nil {
		return false, err
	}
	wire := ToWire(translated)
	if wire == nil {
		return false, nil
	}
	// shares carry their original along so the destination can render it
	if origObj != nil && origObj.AS1 != nil {
		if _, isBare := wire["object"].(string); isBare {
			origTranslated, err := p.bridge.TranslateIDs(ctx, origObj.AS1, p)
			if err == nil {
				wire["object"] = toWireInner(origTranslated)
			}
		}
	}

	keyID := p.keyID(wireString(wire["actor"]))
	if err := deliver(ctx, uri, wire, keyID, p.keys.Private); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Plugin) Convert(ctx context.Context, obj *store.Object, fromUser *store.User) (any, error) {
	if obj == nil || obj.AS1 == nil {
		return nil, fmt.Errorf("nothing to convert")
	}
	return ToWire(p.bridge.BridgedActorAS1(obj, fromUser, p)), nil
}

// TargetFor finds the inbox for an actor, or its author's inbox for a
// non-actor object. shared prefers the instance-wide inbox.
func (p *Plugin) TargetFor(ctx context.Context, obj *store.Object, shared bool) (string, error) {
	if obj == nil {
		return "", nil
	}
	if doc := p.rawDoc(obj); doc != nil {
		if shared {
			if endpoints, _ := doc["endpoints"].(map[string]any); endpoints != nil {
				if si, _ := endpoints["sharedInbox"].(string); si != "" {
					return si, nil
				}
			}
		}
		if inbox, _ := doc["inbox"].(string); inbox != "" {
			return inbox, nil
		}
	}
	if inbox, _ := obj.AS1["inbox"].(string); inbox != "" {
		return inbox, nil
	}

	// not an actor document: resolve through its owner
	ownerID := obj.Owner()
	if ownerID == "" || ownerID == obj.ID {
		return "", nil
	}
	owner, err := p.bridge.LoadObject(ctx, p, ownerID)
	if err != nil || owner == nil {
		return "", err
	}
	return p.TargetFor(ctx, owner, shared)
}

func (p *Plugin) rawDoc(obj *store.Object) map[string]any {
	rawJSON, ok := obj.Raw[Label]
	if !ok {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(rawJSON, &doc); err != nil {
		return nil
	}
	return doc
}

func (p *Plugin) BridgedWebURLFor(user *store.User) string {
	if user == nil {
		return ""
	}
	return "https://" + p.Info().Abbrev + p.cfg.SuperDomain + "/" + url.PathEscape(user.Key.ID)
}

// Routes returns the plugin's inbound HTTP adapter: a shared inbox that
// verifies signatures and enqueues receive tasks, and a minimal service
// actor document peers fetch our signing key from.
func (p *Plugin) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/inbox", p.handleInbox)
	r.Get("/actor", p.handleServiceActor)
	return r
}

func (p *Plugin) handleInbox(w http.ResponseWriter, r *http.Request) {
	authedAs, err := VerifySignature(r, func(ctx context.Context, id string) (map[string]any, error) {
		return fetchJSON(ctx, id, p.keyID(""), p.keys.Private, p.cfg.MaxObjectBytes)
	})
	if err != nil {
		p.log.Warn("invalid inbound signature", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var doc map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(p.cfg.MaxObjectBytes))).Decode(&doc); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	activity := FromWire(doc)
	id := as1.ID(activity)
	if id == "" {
		http.Error(w, "activity has no id", http.StatusBadRequest)
		return
	}

	raw, _ := json.Marshal(doc)
	obj, err := p.store.GetOrCreateObject(id, authedAs, store.ObjectProps{
		AS1:            activity,
		Raw:            map[string]json.RawMessage{Label: raw},
		SourceProtocol: Label,
	})
	if err != nil {
		p.log.Warn("persisting inbound activity failed", "id", id, "err", err)
		http.Error(w, "conflict", http.StatusForbidden)
		return
	}
	if err := p.bridge.EnqueueReceive(r.Context(), obj, authedAs); err != nil {
		p.log.Error("enqueueing receive failed", "id", id, "err", err)
		http.Error(w, "queue error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (p *Plugin) handleServiceActor(w http.ResponseWriter, r *http.Request) {
	actorURL := p.cfg.BaseURL("/ap/actor")
	doc := map[string]any{
		"@context":          defaultContext,
		"id":                actorURL,
		"type":              "Application",
		"preferredUsername": "brig",
		"inbox":             p.cfg.BaseURL("/ap/inbox"),
		"publicKey": map[string]any{
			"id":           actorURL + "#main-key",
			"owner":        actorURL,
			"publicKeyPem": p.keys.PublicPEM,
		},
	}
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(doc)
}
