package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

var supportedVerbs = map[string]bool{
	as1.VerbPost:          true,
	as1.VerbUpdate:        true,
	as1.VerbDelete:        true,
	as1.VerbFollow:        true,
	as1.VerbStopFollowing: true,
	as1.VerbAccept:        true,
	as1.VerbLike:          true,
	as1.VerbShare:         true,
	as1.VerbBlock:         true,
}

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// Receive runs an inbound activity through the pipeline: identity,
// blocklist, dedup, authorization, normalization, persistence, per-verb
// dispatch, and fan-out. internal marks activities the bridge synthesized
// itself, which skip blocklist and authorization.
//
// Returns the HTTP status describing the outcome; errors carry their own
// status via Error.
func (r *Router) Receive(ctx context.Context, from Protocol, obj *store.Object, authedAs string, internal bool) (int, error) {
	// identity
	if obj.ID == "" {
		obj.ID = as1.ID(obj.AS1)
	}
	if obj.ID == "" {
		return 0, Errf(http.StatusBadRequest, "activity has no id")
	}
	if obj.AS1 == nil {
		return 0, Errf(http.StatusBadRequest, "activity %s has no data", obj.ID)
	}
	if as1.ID(obj.AS1) == "" {
		obj.AS1["id"] = obj.ID
	}

	// blocklist
	if !internal && r.IsBlocklisted(obj.ID, false) {
		return 0, Errf(http.StatusBadRequest, "id %s is blocklisted", obj.ID)
	}

	// dedup, activities only; bare objects must flow through change detection
	if as1.IsActivity(obj.AS1) {
		if r.markSeen(obj.ID) {
			r.Log.Debug("ignoring already seen activity", "id", obj.ID)
			return http.StatusNoContent, nil
		}
	}
	if obj.New != nil && !*obj.New && obj.Changed != nil && !*obj.Changed {
		r.Log.Debug("ignoring unchanged object", "id", obj.ID)
		return http.StatusNoContent, nil
	}

	// authorization
	actorID := as1.Owner(obj.AS1)
	if actorID == "" {
		return 0, Errf(http.StatusBadRequest, "activity %s has no actor or author", obj.ID)
	}
	if from.OwnsID(actorID) == OwnsNo {
		return 0, Errf(http.StatusForbidden, "%s doesn't own actor %s", from.Info().Label, actorID)
	}
	normActor, err := r.NormalizeUserID(ctx, from, actorID)
	if err != nil {
		return 0, err
	}
	if !internal {
		normAuthed, err := r.NormalizeUserID(ctx, from, authedAs)
		if err != nil {
			return 0, err
		}
		if normAuthed == "" || normActor != normAuthed {
			return 0, Errf(http.StatusForbidden, "actor %s is not authed user %s", normActor, authedAs)
		}
	}

	// normalization: map surrogate and copy ids back to originals
	if err := r.ResolveIDs(ctx, obj.AS1); err != nil {
		return 0, err
	}

	// principal
	actorKey := store.UserKey{Protocol: from.Info().Label, ID: normActor}
	user, err := r.Store.GetOrCreateUser(actorKey, false)
	if err != nil {
		return 0, err
	}
	if user.Blocked() {
		r.Log.Debug("ignoring activity from opted out user", "user", normActor)
		return http.StatusNoContent, nil
	}

	// persist, carrying over transient change flags from upstream loads
	prevNew, prevChanged := obj.New, obj.Changed
	saved, err := r.Store.GetOrCreateObject(obj.ID, authedAs, store.ObjectProps{
		AS1:            obj.AS1,
		Raw:            obj.Raw,
		SourceProtocol: from.Info().Label,
	})
	if err != nil {
		if errors.Is(err, store.ErrOwnerMismatch) {
			return 0, Errf(http.StatusForbidden, "%v", err)
		}
		return 0, err
	}
	if prevNew != nil {
		saved.New = prevNew
	}
	if prevChanged != nil {
		saved.Changed = prevChanged
	}
	obj = saved

	// bare notes, articles, comments, and actors get wrapped in a create
	// or update activity
	if !as1.IsActivity(obj.AS1) {
		obj, err = r.handleBareObject(ctx, from, obj, authedAs)
		if err != nil {
			return statusOrZero(err), maybeNil(err)
		}
	}

	verb := as1.Verb(obj.AS1)
	if !supportedVerbs[verb] {
		return 0, Errf(http.StatusNotImplemented, "verb %q is not supported", verb)
	}

	inner := as1.GetObject(obj.AS1, "object")
	innerID := as1.ID(inner)

	obj.Users = store.AddKey(obj.Users, user.Key)
	if innerOwner := as1.Owner(inner); innerOwner != "" && innerOwner != normActor {
		if ip, err := r.ForID(ctx, innerOwner, false); err != nil {
			return 0, err
		} else if ip != nil {
			if k, err := r.KeyFor(ctx, ip, innerOwner); err != nil {
				return 0, err
			} else if !k.IsZero() {
				obj.Users = store.AddKey(obj.Users, k)
			}
		}
	}

	// a self-delete deactivates followers before fan-out, so the set that
	// still needs to hear about it is captured first
	var deletedFollowers []store.Follower

	switch verb {
	case as1.VerbAccept:
		to, err := r.ForID(ctx, innerID, false)
		if err != nil {
			return 0, err
		}
		if to == nil || !to.Info().HasFollowAccepts {
			r.Log.Debug("skipping accept", "id", obj.ID)
			return http.StatusNoContent, nil
		}

	case as1.VerbStopFollowing:
		if innerID == "" {
			return 0, Errf(http.StatusBadRequest, "stop-following %s has no followee", obj.ID)
		}
		if to, err := r.ForID(ctx, innerID, false); err != nil {
			return 0, err
		} else if to != nil {
			toKey, err := r.KeyFor(ctx, to, innerID)
			if err != nil {
				return 0, err
			}
			if !toKey.IsZero() {
				if err := r.Store.SetFollowerStatus(user.Key, toKey, store.FollowerInactive); err != nil {
					return 0, err
				}
			}
		}

	case as1.VerbUpdate, as1.VerbLike, as1.VerbShare:
		if innerID == "" {
			return 0, Errf(http.StatusBadRequest, "%s %s has no object", verb, obj.ID)
		}

	case as1.VerbDelete:
		if innerID == "" {
			return 0, Errf(http.StatusBadRequest, "delete %s has no object", obj.ID)
		}
		if _, err := r.Store.GetOrCreateObject(innerID, authedAs, store.ObjectProps{
			Deleted:        true,
			SourceProtocol: from.Info().Label,
		}); err != nil {
			if errors.Is(err, store.ErrOwnerMismatch) {
				return 0, Errf(http.StatusForbidden, "%v", err)
			}
			return 0, err
		}
		key, err := r.KeyFor(ctx, from, innerID)
		if err != nil {
			return 0, err
		}
		if !key.IsZero() {
			if key == user.Key {
				deletedFollowers, err = r.Store.FollowersOf(key, store.FollowerActive)
				if err != nil {
					return 0, err
				}
			}
			if err := r.Store.DeactivateAllFollowers(key); err != nil {
				return 0, err
			}
		}

	case as1.VerbBlock:
		if bot := r.ForBridgeSubdomain(innerID); bot != nil {
			if err := r.disableProtocol(ctx, user, bot); err != nil {
				return 0, err
			}
			return http.StatusOK, nil
		}

	case as1.VerbPost:
		if bot, content := r.asBotDM(inner); bot != nil {
			return r.handleBotDM(ctx, from, user, bot, content)
		}

	case as1.VerbFollow:
		if bot := r.ForBridgeSubdomain(innerID); bot != nil {
			if err := r.enableProtocol(ctx, from, user, bot); err != nil {
				return 0, err
			}
		}
		if err := r.handleFollow(ctx, from, obj, user); err != nil {
			return statusOrZero(err), maybeNil(err)
		}
	}

	// hydrate bare inner objects so feeds can render them
	if verb == as1.VerbPost || verb == as1.VerbUpdate || verb == as1.VerbShare {
		if innerID != "" && len(inner) <= 1 && from.OwnsID(innerID) != OwnsNo {
			loaded, err := r.Load(ctx, from, innerID, loadOpts{local: true, remote: true})
			if err != nil {
				r.Log.Warn("couldn't hydrate inner object", "id", innerID, "err", err)
			} else if loaded != nil && loaded.AS1 != nil {
				obj.AS1["object"] = as1.Copy(loaded.AS1)
			}
		}
	}

	return r.deliver(ctx, from, obj, user, deletedFollowers)
}

// statusOrZero and maybeNil let dispatch helpers signal terminal success
// statuses through the error channel: a no-op Error becomes a clean 204.
func statusOrZero(err error) int {
	if IsNoOp(err) {
		return http.StatusNoContent
	}
	return 0
}

func maybeNil(err error) error {
	if IsNoOp(err) {
		return nil
	}
	return err
}

// handleBareObject wraps a bare note, article, comment, or actor in the
// activity the pipeline dispatches on: an update when the content changed
// or the object is an actor, a create when it is new, and a no-op when
// nothing changed.
func (r *Router) handleBareObject(ctx context.Context, from Protocol, obj *store.Object, authedAs string) (*store.Object, error) {
	typ := as1.ObjectType(obj.AS1)
	if !as1.ContentTypes[typ] && !as1.ActorTypes[typ] {
		return obj, nil
	}
	owner := as1.Owner(obj.AS1)

	if obj.IsChanged() || as1.ActorTypes[typ] {
		now := time.Now().UTC()
		updateID := fmt.Sprintf("%s#update-%s", obj.ID, now.Format(time.RFC3339))
		inner := as1.Copy(obj.AS1)
		inner["updated"] = now.Format(time.RFC3339)
		return r.Store.GetOrCreateObject(updateID, authedAs, store.ObjectProps{
			AS1: as1.Object{
				"objectType": "activity",
				"verb":       as1.VerbUpdate,
				"id":         updateID,
				"actor":      owner,
				"object":     inner,
			},
			SourceProtocol: from.Info().Label,
		})
	}

	createID := obj.ID + "#create"
	create, err := r.Load(ctx, from, createID, loadOpts{local: true})
	if err != nil {
		return nil, err
	}
	if obj.IsNew() || create == nil || create.Status != store.StatusComplete {
		return r.Store.GetOrCreateObject(createID, authedAs, store.ObjectProps{
			AS1: as1.Object{
				"objectType": "activity",
				"verb":       as1.VerbPost,
				"id":         createID,
				"actor":      owner,
				"object":     as1.Copy(obj.AS1),
			},
			SourceProtocol: from.Info().Label,
		})
	}
	return nil, NoOp("object %s is unchanged", obj.ID)
}

// asBotDM reports whether inner is a direct message addressed to exactly
// one recipient that is a bridge bot, returning the bot's protocol and the
// message text.
func (r *Router) asBotDM(inner as1.Object) (Protocol, string) {
	if inner == nil {
		return nil, ""
	}
	var recips []string
	for _, field := range []string{"to", "cc"} {
		for _, id := range as1.GetIDs(inner, field) {
			if id != as1.PublicAudience {
				recips = append(recips, id)
			}
		}
	}
	if len(recips) != 1 {
		return nil, ""
	}
	bot := r.ForBridgeSubdomain(recips[0])
	if bot == nil {
		return nil, ""
	}
	content, _ := inner["content"].(string)
	content = strings.ToLower(strings.TrimSpace(htmlTag.ReplaceAllString(content, "")))
	return bot, content
}

// handleBotDM interprets a DM to a bridge bot as a control command.
// Commands never fan out.
func (r *Router) handleBotDM(ctx context.Context, from Protocol, user *store.User, bot Protocol, content string) (int, error) {
	switch content {
	case "yes", "ok":
		if err := r.enableProtocol(ctx, from, user, bot); err != nil {
			return 0, err
		}
	case "no":
		if err := r.disableProtocol(ctx, user, bot); err != nil {
			return 0, err
		}
	default:
		r.Log.Info("unsupported bot command", "user", user.Key.ID, "content", content)
	}
	return http.StatusOK, nil
}

// enableProtocol opts user into bridging to bot's protocol and schedules
// the reciprocal follow from the bot.
func (r *Router) enableProtocol(ctx context.Context, from Protocol, user *store.User, bot Protocol) error {
	label := bot.Info().Label
	if !user.HasEnabled(label) {
		user.EnabledProtocols = append(user.EnabledProtocols, label)
		if err := r.Store.PutUser(user); err != nil {
			return err
		}
		r.Log.Info("enabled protocol", "user", user.Key.ID, "protocol", label)
	}
	return r.botFollow(ctx, bot, from, user)
}

// disableProtocol opts user out of bridging to bot's protocol and triggers
// deletion of the user's copy there.
func (r *Router) disableProtocol(ctx context.Context, user *store.User, bot Protocol) error {
	label := bot.Info().Label
	kept := user.EnabledProtocols[:0]
	for _, p := range user.EnabledProtocols {
		if p != label {
			kept = append(kept, p)
		}
	}
	user.EnabledProtocols = kept
	if err := r.Store.PutUser(user); err != nil {
		return err
	}
	r.Log.Info("disabled protocol", "user", user.Key.ID, "protocol", label)
	return r.maybeDeleteCopy(ctx, bot, user)
}

// botFollow enqueues a follow of user from bot's bridge account, delivered
// over user's own protocol.
func (r *Router) botFollow(ctx context.Context, bot Protocol, userProto Protocol, user *store.User) error {
	profile, err := r.Load(ctx, userProto, user.Key.ID, loadOpts{local: true, remote: true})
	if err != nil {
		return err
	}
	if profile == nil {
		r.Log.Warn("no profile for bot follow", "user", user.Key.ID)
		return nil
	}
	target, err := userProto.TargetFor(ctx, profile, false)
	if err != nil || target == "" {
		r.Log.Warn("no delivery target for bot follow", "user", user.Key.ID, "err", err)
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := fmt.Sprintf("https://%s/#follow-back-%s-%s", r.BotUserID(bot), user.Key.ID, now)
	obj, err := r.Store.GetOrCreateObject(id, "", store.ObjectProps{
		AS1: as1.Object{
			"objectType": "activity",
			"verb":       as1.VerbFollow,
			"id":         id,
			"actor":      r.BotActorID(bot),
			"object":     user.Key.ID,
		},
		SourceProtocol: bot.Info().Label,
	})
	if err != nil {
		return err
	}

	t := store.Target{Protocol: userProto.Info().Label, URI: target}
	obj.Undelivered = store.AddTarget(obj.Undelivered, t)
	obj.Status = store.StatusInProgress
	if err := r.Store.PutObject(obj); err != nil {
		return err
	}
	botKey := store.UserKey{Protocol: bot.Info().Label, ID: r.BotUserID(bot)}
	return r.enqueueSend(ctx, obj.ID, t, "", botKey)
}

// maybeDeleteCopy emits a synthetic delete of user's copy in a push-style
// protocol, addressed to the copy's endpoint.
func (r *Router) maybeDeleteCopy(ctx context.Context, copyProto Protocol, user *store.User) error {
	if !copyProto.Info().HasCopies {
		return nil
	}
	copyID := user.CopyFor(copyProto.Info().Label)
	if copyID == "" {
		return nil
	}
	target, err := copyProto.TargetFor(ctx, &store.Object{ID: copyID}, false)
	if err != nil || target == "" {
		r.Log.Warn("no delivery target for copy delete", "copy", copyID, "err", err)
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	id := fmt.Sprintf("%s#delete-copy-%s-%s", user.Key.ID, copyProto.Info().Abbrev, now)
	obj, err := r.Store.GetOrCreateObject(id, "", store.ObjectProps{
		AS1: as1.Object{
			"objectType": "activity",
			"verb":       as1.VerbDelete,
			"id":         id,
			"actor":      user.Key.ID,
			"object":     copyID,
		},
		SourceProtocol: user.Key.Protocol,
	})
	if err != nil {
		return err
	}

	t := store.Target{Protocol: copyProto.Info().Label, URI: target}
	obj.Undelivered = store.AddTarget(obj.Undelivered, t)
	obj.Status = store.StatusInProgress
	if err := r.Store.PutObject(obj); err != nil {
		return err
	}
	return r.enqueueSend(ctx, obj.ID, t, "", user.Key)
}

// handleFollow upserts an active follower edge per followee and, for
// followees whose protocol has no explicit accepts, enqueues a synthesized
// accept back to the follower.
func (r *Router) handleFollow(ctx context.Context, from Protocol, obj *store.Object, fromUser *store.User) error {
	followeeIDs := as1.GetIDs(obj.AS1, "object")
	if len(followeeIDs) == 0 {
		return Errf(http.StatusBadRequest, "follow %s has no followee", obj.ID)
	}

	profile, err := r.Load(ctx, from, fromUser.Key.ID, loadOpts{local: true, remote: true})
	if err != nil {
		return err
	}

	for _, followeeID := range followeeIDs {
		to, err := r.ForID(ctx, followeeID, true)
		if err != nil {
			return err
		}
		if to == nil {
			r.Log.Warn("no protocol for followee", "id", followeeID)
			continue
		}
		toKey, err := r.KeyFor(ctx, to, followeeID)
		if err != nil {
			return err
		}
		if toKey.IsZero() {
			continue
		}
		followee, err := r.Store.GetOrCreateUser(toKey, false)
		if err != nil {
			return err
		}
		if _, err := r.Load(ctx, to, toKey.ID, loadOpts{local: true, remote: true}); err != nil {
			r.Log.Warn("couldn't load followee object", "id", toKey.ID, "err", err)
		}
		if _, err := r.Store.GetOrCreateFollower(fromUser.Key, toKey, obj.ID, store.FollowerActive); err != nil {
			return err
		}
		obj.Notify = store.AddKey(obj.Notify, toKey)

		if !to.Info().HasFollowAccepts {
			if err := r.acceptFollow(ctx, from, obj, profile, to, followee); err != nil {
				return err
			}
		}
	}
	return r.Store.PutObject(obj)
}

// acceptFollow synthesizes an accept from followee back to the follower and
// enqueues its delivery over the follower's protocol.
func (r *Router) acceptFollow(ctx context.Context, from Protocol, follow *store.Object, followerProfile *store.Object, to Protocol, followee *store.User) error {
	if followerProfile == nil {
		r.Log.Warn("no follower profile, skipping accept", "follow", follow.ID)
		return nil
	}
	target, err := from.TargetFor(ctx, followerProfile, false)
	if err != nil || target == "" {
		r.Log.Warn("no delivery target for accept", "follow", follow.ID, "err", err)
		return nil
	}

	id := fmt.Sprintf("%s/followers#accept-%s", followee.Key.ID, follow.ID)
	obj, err := r.Store.GetOrCreateObject(id, "", store.ObjectProps{
		AS1: as1.Object{
			"objectType": "activity",
			"verb":       as1.VerbAccept,
			"id":         id,
			"actor":      followee.Key.ID,
			"object":     as1.Copy(follow.AS1),
		},
		SourceProtocol: to.Info().Label,
	})
	if err != nil {
		return err
	}

	t := store.Target{Protocol: from.Info().Label, URI: target}
	obj.Undelivered = store.AddTarget(obj.Undelivered, t)
	obj.Status = store.StatusInProgress
	if err := r.Store.PutObject(obj); err != nil {
		return err
	}
	return r.enqueueSend(ctx, obj.ID, t, "", followee.Key)
}
