package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

type loadOpts struct {
	// local consults the store before the network.
	local bool
	// remote allows a network fetch on a miss or stale copy.
	remote bool
	// forceRemote fetches even when a fresh local copy exists.
	forceRemote bool
}

// Load fetches the object with the given id through p, preferring the
// stored copy when it is present and fresh. The returned object's transient
// New and Changed flags describe what the call did. Returns nil with no
// error when the id doesn't resolve to anything in p.
func (r *Router) Load(ctx context.Context, p Protocol, id string, opts loadOpts) (*store.Object, error) {
	var existing *store.Object
	if opts.local {
		obj, err := r.Store.GetObject(id)
		if err != nil {
			return nil, err
		}
		if obj != nil {
			f := false
			obj.New, obj.Changed = &f, &f
			if !opts.remote {
				return obj, nil
			}
			if obj.AS1 != nil && !opts.forceRemote &&
				time.Since(obj.Updated) <= r.Config.ObjectRefreshAge {
				return obj, nil
			}
			existing = obj
		}
	}
	if !opts.remote {
		return existing, nil
	}

	fetched := &store.Object{ID: id}
	ok, err := p.Fetch(ctx, fetched)
	if err != nil {
		return nil, err
	}
	if !ok {
		return existing, nil
	}

	if raw, err := json.Marshal(fetched.AS1); err != nil {
		return nil, err
	} else if len(raw) > r.Config.MaxObjectBytes {
		return nil, Errf(http.StatusBadGateway, "object %s too large: %d bytes", id, len(raw))
	}

	if err := r.ResolveIDs(ctx, fetched.AS1); err != nil {
		return nil, err
	}
	if as1.ID(fetched.AS1) == "" {
		fetched.AS1["id"] = id
	}

	if existing != nil && existing.SourceProtocol != "" &&
		existing.SourceProtocol != p.Info().Label {
		r.Log.Warn("source protocol changing on refetch",
			"id", id, "old", existing.SourceProtocol, "new", p.Info().Label)
	}

	return r.Store.GetOrCreateObject(id, "", store.ObjectProps{
		AS1:            fetched.AS1,
		Raw:            fetched.Raw,
		SourceProtocol: p.Info().Label,
	})
}

// LoadObject is Load with the default options: stored copy first, network
// on a miss or stale copy. For plugin adapters and the HTTP surface.
func (r *Router) LoadObject(ctx context.Context, p Protocol, id string) (*store.Object, error) {
	return r.Load(ctx, p, id, loadOpts{local: true, remote: true})
}

// LoadUser loads a user's profile object through p and returns both the
// user row, created if needed, and the profile.
func (r *Router) LoadUser(ctx context.Context, p Protocol, key store.UserKey, direct bool) (*store.User, *store.Object, error) {
	user, err := r.Store.GetOrCreateUser(key, direct)
	if err != nil {
		return nil, nil, err
	}
	profile, err := r.Load(ctx, p, key.ID, loadOpts{local: true, remote: true})
	if err != nil {
		return nil, nil, err
	}
	if user.Handle == "" && profile != nil {
		if h, _ := profile.AS1["username"].(string); h != "" {
			user.Handle = h
			if err := r.Store.PutUser(user); err != nil {
				return nil, nil, err
			}
		}
	}
	return user, profile, nil
}
