package protocol

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

// subdomainWrap builds the bridge-hosted surrogate URL for an id that has
// no native representation in the destination protocol.
func (r *Router) subdomainWrap(origin Protocol, path string) string {
	return "https://" + origin.Info().Abbrev + r.Config.SuperDomain + path
}

// subdomainUnwrap strips the bridge's surrogate wrapping from id. It
// returns the inner id and the origin protocol, or ("", nil) when id is not
// wrapped.
func (r *Router) subdomainUnwrap(id string) (string, Protocol) {
	u, err := url.Parse(id)
	if err != nil || u.Hostname() == "" {
		return "", nil
	}
	label := r.Config.SubdomainLabel(u.Hostname())
	if label == "" {
		return "", nil
	}
	origin := r.Registry.ByLabel(label)
	if origin == nil {
		return "", nil
	}
	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimPrefix(path, "convert/")
	// the leading path segment is the destination abbreviation
	abbrev, rest, ok := strings.Cut(path, "/")
	if !ok || r.Registry.ByLabel(abbrev) == nil {
		return "", nil
	}
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	return rest, origin
}

// NormalizeUserID canonicalizes id for p: surrogate wrappings are removed
// and use-instead redirects followed.
func (r *Router) NormalizeUserID(ctx context.Context, p Protocol, id string) (string, error) {
	if inner, origin := r.subdomainUnwrap(id); origin != nil && origin.Info().Label == p.Info().Label {
		id = inner
	}
	user, err := r.Store.GetUser(store.UserKey{Protocol: p.Info().Label, ID: id})
	if err != nil {
		return "", err
	}
	if user != nil {
		return user.Key.ID, nil
	}
	return id, nil
}

// TranslateUserID converts a user id in from's namespace into to's.
// Returns "" when the user has no representation in to yet.
func (r *Router) TranslateUserID(ctx context.Context, id string, from, to Protocol) (string, error) {
	if from.Info().Label == to.Info().Label {
		return id, nil
	}
	if inner, origin := r.subdomainUnwrap(id); origin != nil && origin.Info().Label == from.Info().Label {
		id = inner
	}

	if to.Info().HasCopies {
		user, err := r.Store.GetUser(store.UserKey{Protocol: from.Info().Label, ID: id})
		if err != nil {
			return "", err
		}
		if user != nil {
			if copyID := user.CopyFor(to.Info().Label); copyID != "" {
				return copyID, nil
			}
		}
		if obj, err := r.Store.GetObject(id); err != nil {
			return "", err
		} else if obj != nil {
			for _, c := range obj.Copies {
				if c.Protocol == to.Info().Label {
					return c.URI, nil
				}
			}
		}
		return "", nil
	}

	if from.Info().HasCopies {
		user, err := r.Store.UserForCopy(from.Info().Label, id)
		if err != nil {
			return "", err
		}
		if user != nil && user.Key.Protocol == to.Info().Label {
			return user.Key.ID, nil
		}
		if user != nil {
			// original lives in a third protocol; re-wrap from there
			return r.subdomainWrap(r.Registry.ByLabel(user.Key.Protocol), "/"+to.Info().Abbrev+"/"+user.Key.ID), nil
		}
		return "", nil
	}

	return r.subdomainWrap(from, "/"+to.Info().Abbrev+"/"+id), nil
}

// TranslateObjectID converts an object id in from's namespace into to's.
// Unlike user ids, an object with no copy in a copy-using destination still
// gets a surrogate URL.
func (r *Router) TranslateObjectID(ctx context.Context, id string, from, to Protocol) (string, error) {
	if from.Info().Label == to.Info().Label {
		return id, nil
	}
	if inner, origin := r.subdomainUnwrap(id); origin != nil && origin.Info().Label == from.Info().Label {
		id = inner
	}

	if to.Info().HasCopies {
		if obj, err := r.Store.GetObject(id); err != nil {
			return "", err
		} else if obj != nil {
			for _, c := range obj.Copies {
				if c.Protocol == to.Info().Label {
					return c.URI, nil
				}
			}
		}
	}

	if from.Info().HasCopies {
		if origID, err := r.Store.ObjectForCopy(id); err != nil {
			return "", err
		} else if origID != "" {
			orig, err := r.Store.GetObject(origID)
			if err != nil {
				return "", err
			}
			if orig != nil && orig.SourceProtocol == to.Info().Label {
				return origID, nil
			}
			if orig != nil {
				if src := r.Registry.ByLabel(orig.SourceProtocol); src != nil {
					return r.subdomainWrap(src, "/convert/"+to.Info().Abbrev+"/"+origID), nil
				}
			}
		}
		if user, err := r.Store.UserForCopy(from.Info().Label, id); err != nil {
			return "", err
		} else if user != nil {
			if user.Key.Protocol == to.Info().Label {
				return user.Key.ID, nil
			}
			if src := r.Registry.ByLabel(user.Key.Protocol); src != nil {
				return r.subdomainWrap(src, "/"+to.Info().Abbrev+"/"+user.Key.ID), nil
			}
		}
	}

	return r.subdomainWrap(from, "/convert/"+to.Info().Abbrev+"/"+id), nil
}

// TranslateHandle converts a handle in from's namespace into a handle
// users of to would recognize. In enhanced mode handles whose instance DNS
// the bridge controls are returned unchanged; foreign instances are still
// rewritten.
func (r *Router) TranslateHandle(handle string, from, to Protocol, enhanced bool) string {
	if from.Info().Label == to.Info().Label {
		return handle
	}
	if enhanced && r.Config.IsOwnDomain(handleDomain(handle)) {
		return handle
	}
	bare := strings.TrimPrefix(handle, "@")
	dotted := strings.ReplaceAll(strings.ReplaceAll(bare, "@", "."), "/", ".")
	origAbbrev := from.Info().Abbrev

	switch to.Info().Handles {
	case HandleAtDomain:
		return "@" + dotted + "@" + origAbbrev + r.Config.SuperDomain
	case HandleDomain:
		return dotted + "." + origAbbrev + r.Config.SuperDomain
	case HandleWebURL:
		if user, instance, ok := strings.Cut(bare, "@"); ok {
			return "https://" + instance + "/@" + user
		}
		return "https://" + dotted + "/"
	}
	return handle
}

// handleDomain extracts the instance domain of a handle in any of the
// three handle styles: @user@instance, bare hostname, or profile URL.
func handleDomain(handle string) string {
	if _, instance, ok := strings.Cut(strings.TrimPrefix(handle, "@"), "@"); ok {
		return strings.ToLower(instance)
	}
	if u, err := url.Parse(handle); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(handle)
}

// BridgedActorAS1 returns obj's canonical form for rendering in to's
// namespace. Actors bridged in from another protocol are marked as
// automated accounts and get a disclaimer naming the origin account
// appended to their summary. Accounts that enrolled themselves, bot
// actors, and everything that isn't an actor pass through unchanged.
func (r *Router) BridgedActorAS1(obj *store.Object, fromUser *store.User, to Protocol) as1.Object {
	if obj == nil {
		return nil
	}
	if to == nil || obj.AS1 == nil || !as1.IsActor(obj.AS1) {
		return obj.AS1
	}
	if fromUser != nil && fromUser.Direct {
		return obj.AS1
	}
	if obj.SourceProtocol == "" || obj.SourceProtocol == to.Info().Label {
		return obj.AS1
	}
	// bot actors live on bridge subdomains and speak for the bridge itself
	if r.ForBridgeSubdomain(obj.ID) != nil {
		return obj.AS1
	}

	mark := "by https://" + r.Config.PrimaryDomain + "/]"
	summary, _ := obj.AS1["summary"].(string)
	if strings.Contains(summary, mark) {
		return obj.AS1
	}

	origin := ""
	switch {
	case fromUser != nil && fromUser.Handle != "":
		origin = fromUser.Handle
	case fromUser != nil:
		origin = fromUser.Key.ID
	default:
		origin = as1.Owner(obj.AS1)
	}
	disclaimer := "[bridged "
	if origin != "" {
		disclaimer += "from " + origin + " "
	}
	disclaimer += mark

	actor := as1.Copy(obj.AS1)
	actor["objectType"] = "application"
	if summary != "" {
		actor["summary"] = summary + "\n\n" + disclaimer
	} else {
		actor["summary"] = disclaimer
	}
	return actor
}

// translatable enumerates the activity fields that carry protocol-scoped
// ids: the top-level id, actor, and author, the same fields one level down
// in the embedded object, reply parents at both levels, and mention tag
// targets.
type fieldRef struct {
	obj   as1.Object
	field string
	user  bool
}

func (r *Router) translatableFields(activity as1.Object) []fieldRef {
	refs := []fieldRef{
		{activity, "id", false},
		{activity, "actor", true},
		{activity, "author", true},
		{activity, "inReplyTo", false},
	}
	if inner := as1.GetObject(activity, "object"); inner != nil {
		refs = append(refs,
			fieldRef{activity, "object", !as1.IsActivity(activity) && as1.IsActor(inner)},
			fieldRef{inner, "actor", true},
			fieldRef{inner, "author", true},
			fieldRef{inner, "inReplyTo", false},
		)
		if as1.Verb(activity) == as1.VerbFollow || as1.Verb(activity) == as1.VerbStopFollowing ||
			as1.Verb(activity) == as1.VerbBlock {
			refs[4].user = true
		}
	}
	return refs
}

// TranslateIDs rewrites every protocol-scoped id in activity into to's
// namespace and returns a deep copy. Fields that fail to translate keep
// their original value.
func (r *Router) TranslateIDs(ctx context.Context, activity as1.Object, to Protocol) (as1.Object, error) {
	out := as1.Copy(activity)
	for _, ref := range r.translatableFields(out) {
		if err := r.translateField(ctx, ref, to); err != nil {
			return nil, err
		}
	}
	// mention tags at both levels
	for _, o := range []as1.Object{out, as1.GetObject(out, "object")} {
		if o == nil {
			continue
		}
		for _, tag := range as1.GetObjects(o, "tags") {
			if t, _ := tag["objectType"].(string); t == "mention" {
				if u, _ := tag["url"].(string); u != "" {
					translated, err := r.translateOne(ctx, u, to, true)
					if err != nil {
						return nil, err
					}
					if translated != "" {
						tag["url"] = translated
					}
				}
			}
		}
	}
	as1.Collapse(out, "object")
	as1.Collapse(out, "inReplyTo")
	if inner := as1.GetObject(out, "object"); inner != nil {
		as1.Collapse(inner, "inReplyTo")
	}
	return out, nil
}

func (r *Router) translateField(ctx context.Context, ref fieldRef, to Protocol) error {
	val, ok := ref.obj[ref.field]
	if !ok {
		return nil
	}
	switch v := val.(type) {
	case string:
		translated, err := r.translateOne(ctx, v, to, ref.user)
		if err != nil {
			return err
		}
		if translated != "" {
			ref.obj[ref.field] = translated
		}
	case map[string]any:
		if id, _ := v["id"].(string); id != "" {
			translated, err := r.translateOne(ctx, id, to, ref.user)
			if err != nil {
				return err
			}
			if translated != "" {
				v["id"] = translated
			}
		}
	case []any:
		for _, elem := range v {
			if m, ok := elem.(map[string]any); ok {
				if id, _ := m["id"].(string); id != "" {
					translated, err := r.translateOne(ctx, id, to, ref.user)
					if err != nil {
						return err
					}
					if translated != "" {
						m["id"] = translated
					}
				}
			}
		}
	}
	return nil
}

func (r *Router) translateOne(ctx context.Context, id string, to Protocol, user bool) (string, error) {
	from, err := r.ForID(ctx, id, false)
	if err != nil || from == nil {
		return "", err
	}
	if user {
		return r.TranslateUserID(ctx, id, from, to)
	}
	return r.TranslateObjectID(ctx, id, from, to)
}

// ResolveIDs maps surrogate and copy ids in activity back to their
// originals, in place.
func (r *Router) ResolveIDs(ctx context.Context, activity as1.Object) error {
	resolve := func(id string) (string, error) {
		if inner, origin := r.subdomainUnwrap(id); origin != nil {
			return inner, nil
		}
		return r.Store.OriginalForCopy(id)
	}
	for _, ref := range r.translatableFields(activity) {
		val, ok := ref.obj[ref.field]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case string:
			if resolved, err := resolve(v); err != nil {
				return err
			} else if resolved != "" {
				ref.obj[ref.field] = resolved
			}
		case map[string]any:
			if id, _ := v["id"].(string); id != "" {
				if resolved, err := resolve(id); err != nil {
					return err
				} else if resolved != "" {
					v["id"] = resolved
				}
			}
		}
	}
	return nil
}

// BridgedPath returns the canonical path for a converted object on the
// bridge's subdomains.
func BridgedPath(destAbbrev, id string) string {
	return fmt.Sprintf("/convert/%s/%s", destAbbrev, id)
}
