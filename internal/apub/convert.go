package apub

import (
	"strings"

	"github.com/brigfed/brig/internal/as1"
)

const defaultContext = "https://www.w3.org/ns/activitystreams"

var verbToType = map[string]string{
	as1.VerbPost:          "Create",
	as1.VerbUpdate:        "Update",
	as1.VerbDelete:        "Delete",
	as1.VerbFollow:        "Follow",
	as1.VerbStopFollowing: "Undo",
	as1.VerbAccept:        "Accept",
	as1.VerbLike:          "Like",
	as1.VerbShare:         "Announce",
	as1.VerbBlock:         "Block",
}

var typeToVerb = map[string]string{
	"Create":   as1.VerbPost,
	"Update":   as1.VerbUpdate,
	"Delete":   as1.VerbDelete,
	"Follow":   as1.VerbFollow,
	"Accept":   as1.VerbAccept,
	"Like":     as1.VerbLike,
	"Announce": as1.VerbShare,
	"Block":    as1.VerbBlock,
}

var objectTypeToType = map[string]string{
	"note":         "Note",
	"comment":      "Note",
	"article":      "Article",
	"person":       "Person",
	"application":  "Application",
	"group":        "Group",
	"organization": "Organization",
	"service":      "Service",
}

var typeToObjectType = map[string]string{
	"Note":         "note",
	"Article":      "article",
	"Person":       "person",
	"Application":  "application",
	"Group":        "group",
	"Organization": "organization",
	"Service":      "service",
}

// ToWire renders a canonical activity or object in the plugin's native
// vocabulary.
func ToWire(obj as1.Object) map[string]any {
	out := toWireInner(obj)
	if out != nil {
		out["@context"] = defaultContext
	}
	return out
}

func toWireInner(obj as1.Object) map[string]any {
	if obj == nil {
		return nil
	}
	out := map[string]any{}
	if id := as1.ID(obj); id != "" {
		out["id"] = id
	}

	if as1.IsActivity(obj) {
		verb := as1.Verb(obj)
		typ, ok := verbToType[verb]
		if !ok {
			typ = "Create"
		}
		out["type"] = typ
		if actor := as1.Owner(obj); actor != "" {
			out["actor"] = actor
		}
		switch inner := obj["object"].(type) {
		case string:
			out["object"] = inner
		case map[string]any:
			out["object"] = toWireInner(inner)
		}
		// unfollows wrap the original follow
		if verb == as1.VerbStopFollowing {
			wrapped, _ := out["object"].(map[string]any)
			if wrapped == nil {
				wrapped = map[string]any{}
				if s, ok := obj["object"].(string); ok {
					wrapped["object"] = s
				}
			}
			wrapped["type"] = "Follow"
			if _, ok := wrapped["actor"]; !ok {
				wrapped["actor"] = out["actor"]
			}
			out["object"] = wrapped
		}
	} else {
		typ, ok := objectTypeToType[as1.ObjectType(obj)]
		if !ok {
			typ = "Note"
		}
		out["type"] = typ
		if author := as1.Owner(obj); author != "" {
			out["attributedTo"] = author
		}
		copyField(obj, out, "content")
		copyField(obj, out, "published")
		copyField(obj, out, "updated")
		copyField(obj, out, "summary")
		if name, _ := obj["displayName"].(string); name != "" {
			out["name"] = name
		}
		if username, _ := obj["username"].(string); username != "" {
			out["preferredUsername"] = username
		}
		if replyTo := as1.GetIDs(obj, "inReplyTo"); len(replyTo) > 0 {
			out["inReplyTo"] = replyTo[0]
		}
		var tags []any
		for _, m := range as1.Mentions(obj) {
			tags = append(tags, map[string]any{
				"type": "Mention",
				"href": m["url"],
				"name": m["displayName"],
			})
		}
		if len(tags) > 0 {
			out["tag"] = tags
		}
	}

	for _, field := range []string{"to", "cc"} {
		if ids := as1.GetIDs(obj, field); len(ids) > 0 {
			var vals []any
			for _, id := range ids {
				if id == as1.PublicAudience {
					id = defaultContext + "#Public"
				}
				vals = append(vals, id)
			}
			out[field] = vals
		}
	}
	if u, _ := obj["url"].(string); u != "" {
		out["url"] = u
	}
	return out
}

// FromWire parses a native document into the canonical form.
func FromWire(doc map[string]any) as1.Object {
	if doc == nil {
		return nil
	}
	out := as1.Object{}
	if id, _ := doc["id"].(string); id != "" {
		out["id"] = id
	}
	typ, _ := doc["type"].(string)

	if verb, ok := typeToVerb[typ]; ok {
		out["objectType"] = "activity"
		out["verb"] = verb
		if actor := wireString(doc["actor"]); actor != "" {
			out["actor"] = actor
		}
		switch inner := doc["object"].(type) {
		case string:
			out["object"] = inner
		case map[string]any:
			// Undo(Follow) is a stop-following of the follow's target
			if innerType, _ := inner["type"].(string); typ == "Undo" && innerType == "Follow" {
				out["verb"] = as1.VerbStopFollowing
				if target := wireString(inner["object"]); target != "" {
					out["object"] = target
				}
			} else {
				out["object"] = map[string]any(FromWire(inner))
			}
		}
	} else if typ == "Undo" {
		out["objectType"] = "activity"
		out["verb"] = as1.VerbStopFollowing
	} else {
		ot, ok := typeToObjectType[typ]
		if !ok {
			ot = strings.ToLower(typ)
		}
		out["objectType"] = ot
		if author := wireString(doc["attributedTo"]); author != "" {
			out["author"] = author
		}
		copyField(doc, out, "content")
		copyField(doc, out, "published")
		copyField(doc, out, "updated")
		copyField(doc, out, "summary")
		copyField(doc, out, "inbox")
		if name, _ := doc["name"].(string); name != "" {
			out["displayName"] = name
		}
		if username, _ := doc["preferredUsername"].(string); username != "" {
			out["username"] = username
		}
		if replyTo := wireString(doc["inReplyTo"]); replyTo != "" {
			out["inReplyTo"] = replyTo
		}
		if tags, ok := doc["tag"].([]any); ok {
			var mentions []any
			for _, t := range tags {
				tm, _ := t.(map[string]any)
				if tt, _ := tm["type"].(string); tt == "Mention" {
					mentions = append(mentions, map[string]any{
						"objectType":  "mention",
						"url":         tm["href"],
						"displayName": tm["name"],
					})
				}
			}
			if len(mentions) > 0 {
				out["tags"] = mentions
			}
		}
	}

	for _, field := range []string{"to", "cc"} {
		var ids []any
		for _, v := range wireList(doc[field]) {
			if v == defaultContext+"#Public" || v == "Public" || v == "as:Public" {
				v = as1.PublicAudience
			}
			ids = append(ids, v)
		}
		if len(ids) > 0 {
			out[field] = ids
		}
	}
	if u := wireString(doc["url"]); u != "" {
		out["url"] = u
	}
	return out
}

func copyField(src, dst map[string]any, field string) {
	if v, ok := src[field].(string); ok && v != "" {
		dst[field] = v
	}
}

func wireString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		s, _ := t["id"].(string)
		return s
	case []any:
		if len(t) > 0 {
			return wireString(t[0])
		}
	}
	return ""
}

func wireList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			if s := wireString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
