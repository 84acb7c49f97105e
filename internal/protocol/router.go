package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/store"
)

// Enqueuer hands work to the durable task queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, params url.Values) error
}

// Router is the protocol-agnostic core. It resolves ids and handles to
// protocols, loads and translates objects, runs the receive pipeline, plans
// deliveries, and executes sends.
type Router struct {
	Registry *Registry
	Store    *store.Store
	Config   *config.Config
	Tasks    Enqueuer
	Log      *slog.Logger

	seen  *lru.Cache[string, bool]
	forID *lru.Cache[forIDKey, string]
}

type forIDKey struct {
	id     string
	remote bool
}

// NewRouter wires a router. The seen-id and resolution caches are bounded
// per the config.
func NewRouter(reg *Registry, st *store.Store, cfg *config.Config, tasks Enqueuer, log *slog.Logger) *Router {
	seen, _ := lru.New[string, bool](cfg.SeenCacheSize)
	forID, _ := lru.New[forIDKey, string](cfg.ProtocolCacheSize)
	return &Router{
		Registry: reg,
		Store:    st,
		Config:   cfg,
		Tasks:    tasks,
		Log:      log,
		seen:     seen,
		forID:    forID,
	}
}

// markSeen records an activity id and reports whether it had been seen
// before. Check and set are a single atomic step.
func (r *Router) markSeen(id string) bool {
	prev, _ := r.seen.ContainsOrAdd(id, true)
	return prev
}

// ForID determines which protocol owns id. With remote false only local
// knowledge is consulted. Returns nil when no protocol can be determined.
func (r *Router) ForID(ctx context.Context, id string, remote bool) (Protocol, error) {
	if id == "" {
		return nil, nil
	}
	key := forIDKey{id, remote}
	if label, ok := r.forID.Get(key); ok {
		return r.Registry.ByLabel(label), nil
	}
	p, err := r.forIDUncached(ctx, id, remote)
	if err != nil {
		return nil, err
	}
	label := ""
	if p != nil {
		label = p.Info().Label
	}
	r.forID.Add(key, label)
	return p, nil
}

func (r *Router) forIDUncached(ctx context.Context, id string, remote bool) (Protocol, error) {
	// Phase 1: bridge-internal subdomains map straight to a protocol, except
	// homepages and bot actor ids, which belong to the protocol serving them.
	if u, err := url.Parse(id); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if label := r.Config.SubdomainLabel(u.Hostname()); label != "" {
			if p := r.Registry.ByLabel(label); p != nil &&
				strings.Trim(u.Path, "/") != "" && !r.isBotActorID(id) {
				return p, nil
			}
		}
	}

	// Phase 2: ask each plugin for a cheap syntactic guess.
	var candidates []Protocol
	for _, p := range r.Registry.Sorted() {
		switch p.OwnsID(id) {
		case OwnsYes:
			return p, nil
		case OwnsUnknown:
			candidates = append(candidates, p)
		}
	}

	// Phase 3: a stored object remembers its source protocol.
	if obj, err := r.Store.GetObject(id); err != nil {
		return nil, err
	} else if obj != nil && obj.SourceProtocol != "" {
		if p := r.Registry.ByLabel(obj.SourceProtocol); p != nil {
			return p, nil
		}
	}

	if !remote {
		return nil, nil
	}

	// Phase 4: try fetching with each remaining candidate.
	for _, p := range candidates {
		obj, err := r.Load(ctx, p, id, loadOpts{remote: true, local: false})
		if err != nil {
			if errors.Is(err, ErrGateway) {
				r.Log.Debug("id resolution aborted on gateway error", "id", id, "protocol", p.Info().Label)
				return nil, nil
			}
			var se *Error
			if errors.As(err, &se) {
				continue
			}
			r.Log.Warn("id resolution fetch failed", "id", id, "protocol", p.Info().Label, "err", err)
			return nil, nil
		}
		if obj != nil {
			return p, nil
		}
	}
	return nil, nil
}

// ForHandle determines which protocol owns handle and, when resolution had
// to hit the network, the resolved id.
func (r *Router) ForHandle(ctx context.Context, handle string) (Protocol, string, error) {
	if handle == "" {
		return nil, "", nil
	}

	var candidates []Protocol
	for _, p := range r.Registry.Sorted() {
		switch p.OwnsHandle(handle, false) {
		case OwnsYes:
			return p, "", nil
		case OwnsUnknown:
			candidates = append(candidates, p)
		}
	}

	// A user we've already seen settles it without network I/O.
	for _, p := range candidates {
		user, err := r.Store.UserByHandle(p.Info().Label, handle)
		if err != nil {
			return nil, "", err
		}
		if user != nil {
			if user.Blocked() {
				return nil, "", nil
			}
			return p, user.Key.ID, nil
		}
	}

	for _, p := range candidates {
		id, err := p.HandleToID(ctx, handle)
		if err != nil {
			if errors.Is(err, ErrGateway) {
				return nil, "", nil
			}
			r.Log.Warn("handle resolution failed", "handle", handle, "protocol", p.Info().Label, "err", err)
			continue
		}
		if id != "" {
			return p, id, nil
		}
	}
	return nil, "", nil
}

// ForBridgeSubdomain maps an id or bare domain on one of the bridge's
// protocol subdomains to its protocol, or nil.
func (r *Router) ForBridgeSubdomain(idOrDomain string) Protocol {
	domain := idOrDomain
	if u, err := url.Parse(idOrDomain); err == nil && u.Host != "" {
		domain = u.Hostname()
	}
	if label := r.Config.SubdomainLabel(domain); label != "" {
		return r.Registry.ByLabel(label)
	}
	return nil
}

// BotUserID returns the bot account id for p, a bare domain on the bridge's
// protocol subdomain.
func (r *Router) BotUserID(p Protocol) string {
	return p.Info().Abbrev + r.Config.SuperDomain
}

// BotActorID returns the bot account's actor id for p.
func (r *Router) BotActorID(p Protocol) string {
	return "https://" + r.BotUserID(p) + "/" + r.BotUserID(p)
}

func (r *Router) isBotActorID(id string) bool {
	for _, p := range r.Registry.Sorted() {
		if id == r.BotActorID(p) {
			return true
		}
	}
	return false
}

// IsBotUser reports whether key is one of the bridge's bot accounts.
func (r *Router) IsBotUser(id string) bool {
	for _, p := range r.Registry.Sorted() {
		if id == r.BotUserID(p) || id == r.BotActorID(p) {
			return true
		}
	}
	return false
}

// KeyFor canonicalizes id for p into a storage key, following use-instead
// redirects. The zero key means the user is opted out or the id is invalid.
func (r *Router) KeyFor(ctx context.Context, p Protocol, id string) (store.UserKey, error) {
	id, err := r.NormalizeUserID(ctx, p, id)
	if err != nil || id == "" {
		return store.UserKey{}, err
	}
	key := store.UserKey{Protocol: p.Info().Label, ID: id}
	user, err := r.Store.GetUser(key)
	if err != nil {
		return store.UserKey{}, err
	}
	if user != nil {
		if user.Blocked() {
			return store.UserKey{}, nil
		}
		return user.Key, nil
	}
	return key, nil
}

// IsBlocklisted reports whether id's domain, or a parent of it, is on the
// bridge's blocklist or is one of the bridge's own domains.
func (r *Router) IsBlocklisted(id string, allowInternal bool) bool {
	domain := id
	if u, err := url.Parse(id); err == nil && u.Host != "" {
		domain = u.Hostname()
	}
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))
	if domain == "" {
		return false
	}
	if !allowInternal && r.Config.IsOwnDomain(domain) {
		return true
	}
	for _, blocked := range r.Config.DomainBlocklist {
		if domain == blocked || strings.HasSuffix(domain, "."+blocked) {
			return true
		}
	}
	return false
}
