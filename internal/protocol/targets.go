package protocol

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

// Deliver plans the fan-out for obj and enqueues one send task per target.
// Returns 202 when anything was enqueued and 204 when the activity has no
// recipients.
func (r *Router) Deliver(ctx context.Context, from Protocol, obj *store.Object, fromUser *store.User) (int, error) {
	return r.deliver(ctx, from, obj, fromUser, nil)
}

// deliver is Deliver with an optional pre-computed follower set, for
// activities that change follower state before fan-out.
func (r *Router) deliver(ctx context.Context, from Protocol, obj *store.Object, fromUser *store.User, followers []store.Follower) (int, error) {
	plan, err := r.targets(ctx, from, obj, fromUser, followers)
	if err != nil {
		return 0, err
	}
	if len(plan) == 0 {
		// don't clobber a finalized status on replay
		if obj.Status == "" || obj.Status == store.StatusNew || obj.Status == store.StatusInProgress {
			obj.Status = store.StatusIgnored
			if err := r.Store.PutObject(obj); err != nil {
				return 0, err
			}
		}
		return http.StatusNoContent, nil
	}

	targets := make([]store.Target, 0, len(plan))
	for t := range plan {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Protocol != targets[j].Protocol {
			return targets[i].Protocol < targets[j].Protocol
		}
		return targets[i].URI < targets[j].URI
	})

	var pending []store.Target
	for _, t := range targets {
		if !store.HasTarget(obj.Delivered, t) {
			obj.Undelivered = store.AddTarget(obj.Undelivered, t)
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		r.Log.Debug("every target already delivered", "id", obj.ID)
		return http.StatusNoContent, nil
	}

	obj.Status = store.StatusInProgress
	if err := r.Store.PutObject(obj); err != nil {
		return 0, err
	}

	for _, t := range pending {
		if err := r.enqueueSend(ctx, obj.ID, t, plan[t], fromUser.Key); err != nil {
			return 0, err
		}
	}
	r.Log.Info("fanned out", "id", obj.ID, "targets", len(pending))
	return http.StatusAccepted, nil
}

// targets computes the delivery plan: each target endpoint mapped to the id
// of the original object it quotes, or "".
func (r *Router) targets(ctx context.Context, from Protocol, obj *store.Object, fromUser *store.User, followers []store.Follower) (map[store.Target]string, error) {
	verb := as1.Verb(obj.AS1)
	inner := as1.GetObject(obj.AS1, "object")
	innerID := as1.ID(inner)
	actorID := fromUser.Key.ID

	inReplyTos := append(as1.GetIDs(obj.AS1, "inReplyTo"), as1.GetIDs(inner, "inReplyTo")...)
	isReply := as1.ObjectType(inner) == "comment" || len(inReplyTos) > 0

	// a reply is delivered only to its parent's protocol and the protocols
	// the parent is bridged into
	replyProtocols := map[string]bool{}
	replyOwners := map[string]bool{}
	selfReply := false
	for _, parentID := range inReplyTos {
		if r.IsBlocklisted(parentID, false) {
			continue
		}
		p, err := r.ForID(ctx, parentID, true)
		if err != nil {
			return nil, err
		}
		if p == nil {
			r.Log.Warn("unroutable id", "id", parentID, "field", "inReplyTo")
			continue
		}
		if p.Info().Label != from.Info().Label {
			replyProtocols[p.Info().Label] = true
		} else {
			for _, l := range p.Info().DefaultEnabledProtocols {
				replyProtocols[l] = true
			}
		}
		parent, err := r.Load(ctx, p, parentID, loadOpts{local: true, remote: true})
		if err != nil || parent == nil {
			continue
		}
		for _, c := range parent.Copies {
			replyProtocols[c.Protocol] = true
		}
		if owner := parent.Owner(); owner != "" {
			replyOwners[owner] = true
			if owner == actorID {
				selfReply = true
			}
		}
	}
	if isReply && len(replyProtocols) == 0 {
		r.Log.Debug("reply parent isn't bridged anywhere", "id", obj.ID)
		return nil, nil
	}

	plan := map[store.Target]string{}
	seenURLs := map[string]store.Target{}
	add := func(t store.Target, origObj string) {
		key := t.Protocol + " " + urlKey(t.URI)
		if _, dup := seenURLs[key]; dup {
			return
		}
		seenURLs[key] = t
		plan[t] = origObj
	}

	// direct targets: reply parents, addressees, like/share subjects
	directIDs := as1.Targets(obj.AS1)
	for _, id := range directIDs {
		if r.IsBlocklisted(id, false) {
			continue
		}
		p, err := r.ForID(ctx, id, true)
		if err != nil {
			return nil, err
		}
		if p == nil {
			r.Log.Warn("unroutable id", "id", id, "field", "target")
			continue
		}
		if p.Info().Label == from.Info().Label {
			continue
		}
		if replyOwners[id] {
			continue
		}
		orig, err := r.Load(ctx, p, id, loadOpts{local: true, remote: true})
		if err != nil || orig == nil {
			r.Log.Debug("couldn't load direct target", "id", id, "err", err)
			continue
		}
		uri, err := p.TargetFor(ctx, orig, false)
		if err != nil || uri == "" {
			r.Log.Debug("no endpoint for direct target", "id", id, "err", err)
			continue
		}
		add(store.Target{Protocol: p.Info().Label, URI: uri}, orig.ID)
		if owner := orig.Owner(); owner != "" {
			key, err := r.KeyFor(ctx, p, owner)
			if err != nil {
				return nil, err
			}
			if !key.IsZero() {
				obj.Notify = store.AddKey(obj.Notify, key)
			}
		}
	}

	// the original being shared rides along so destinations can quote it
	shareOrigID := ""
	if verb == as1.VerbShare && innerID != "" {
		shareOrigID = innerID
	}

	fanOut := (verb == as1.VerbPost || verb == as1.VerbUpdate ||
		verb == as1.VerbDelete || verb == as1.VerbShare) &&
		(!isReply || (selfReply && len(replyProtocols) > 0))

	var feedKeys []store.UserKey
	if fanOut {
		if followers == nil {
			var err error
			followers, err = r.Store.FollowersOf(fromUser.Key, store.FollowerActive)
			if err != nil {
				return nil, err
			}
		}
		for _, f := range followers {
			if r.IsBotUser(f.From.ID) {
				continue
			}
			p := r.Registry.ByLabel(f.From.Protocol)
			if p == nil || p.Info().Label == from.Info().Label {
				continue
			}
			if isReply && !replyProtocols[p.Info().Label] {
				continue
			}
			follower, err := r.Store.GetUser(f.From)
			if err != nil {
				return nil, err
			}
			if follower == nil || follower.Blocked() {
				continue
			}
			profile, err := r.Load(ctx, p, f.From.ID, loadOpts{local: true})
			if err != nil {
				return nil, err
			}
			if profile == nil {
				profile = &store.Object{ID: f.From.ID}
			}
			uri, err := p.TargetFor(ctx, profile, true)
			if err != nil || uri == "" {
				r.Log.Debug("no endpoint for follower", "follower", f.From.ID, "err", err)
				continue
			}
			add(store.Target{Protocol: p.Info().Label, URI: uri}, shareOrigID)
			feedKeys = append(feedKeys, f.From)
		}
	}

	// push-style protocols take fan-out through their shared endpoint
	for _, p := range r.Registry.Sorted() {
		info := p.Info()
		if !info.HasCopies || info.PushEndpoint == "" || info.Label == from.Info().Label {
			continue
		}
		if isReply {
			if !replyProtocols[info.Label] {
				continue
			}
		} else if !fromUser.HasEnabled(info.Label) {
			continue
		}
		if r.isLimitedDomain(actorID) && len(feedKeys) == 0 && !isReply {
			continue
		}
		add(store.Target{Protocol: info.Label, URI: info.PushEndpoint}, shareOrigID)
	}

	// never deliver back to where the activity came from
	for _, src := range r.sourceDomains(obj) {
		for t := range plan {
			if u, err := url.Parse(t.URI); err == nil && strings.EqualFold(u.Hostname(), src) {
				delete(plan, t)
			}
		}
	}

	if len(feedKeys) > 0 {
		if err := r.assignFeeds(ctx, from, verb, inner, shareOrigID, feedKeys); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// assignFeeds records the delivered content on each follower's feed: the
// shared original for shares, the inner object for posts and updates that
// aren't profile updates.
func (r *Router) assignFeeds(ctx context.Context, from Protocol, verb string, inner as1.Object, shareOrigID string, followers []store.UserKey) error {
	feedID := ""
	switch {
	case verb == as1.VerbShare:
		feedID = shareOrigID
	case verb == as1.VerbPost || verb == as1.VerbUpdate:
		if !as1.IsActor(inner) {
			feedID = as1.ID(inner)
		}
	}
	if feedID == "" {
		return nil
	}
	feedObj, err := r.Store.GetObject(feedID)
	if err != nil {
		return err
	}
	if feedObj == nil {
		feedObj = &store.Object{ID: feedID, AS1: as1.Copy(inner), SourceProtocol: from.Info().Label}
	}
	for _, k := range followers {
		feedObj.Feed = store.AddKey(feedObj.Feed, k)
	}
	return r.Store.PutObject(feedObj)
}

func (r *Router) sourceDomains(obj *store.Object) []string {
	var domains []string
	seen := map[string]bool{}
	for _, id := range append([]string{obj.ID, as1.Owner(obj.AS1)}, as1.GetIDs(obj.AS1, "url")...) {
		if u, err := url.Parse(id); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			d := strings.ToLower(u.Hostname())
			if d != "" && !seen[d] && !r.Config.IsOwnDomain(d) {
				seen[d] = true
				domains = append(domains, d)
			}
		}
	}
	return domains
}

func (r *Router) isLimitedDomain(id string) bool {
	u, err := url.Parse(id)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range r.Config.LimitedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// urlKey normalizes a URL for dedupe: case-insensitive scheme and host,
// trailing slash insignificant.
func urlKey(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	s := u.String()
	if u.Path != "" && u.Path != "/" {
		s = strings.TrimSuffix(s, "/")
	}
	return s
}

func (r *Router) enqueueSend(ctx context.Context, objID string, t store.Target, origObjID string, user store.UserKey) error {
	params := url.Values{}
	params.Set("obj", objID)
	params.Set("url", t.URI)
	params.Set("protocol", t.Protocol)
	if origObjID != "" {
		params.Set("orig_obj", origObjID)
	}
	if !user.IsZero() {
		params.Set("user_protocol", user.Protocol)
		params.Set("user_id", user.ID)
	}
	return r.Tasks.Enqueue(ctx, "send", params)
}

// EnqueueReceive schedules the receive pipeline for a persisted object.
// Plugin adapters call this instead of invoking Receive directly. The
// store's change verdict rides along in the payload so a replay of an
// unchanged object still short-circuits.
func (r *Router) EnqueueReceive(ctx context.Context, obj *store.Object, authedAs string) error {
	params := url.Values{}
	params.Set("obj", obj.ID)
	params.Set("authed_as", authedAs)
	if obj.New != nil {
		params.Set("new", strconv.FormatBool(*obj.New))
	}
	if obj.Changed != nil {
		params.Set("changed", strconv.FormatBool(*obj.Changed))
	}
	return r.Tasks.Enqueue(ctx, "receive", params)
}
