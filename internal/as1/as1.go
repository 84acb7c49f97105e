// Package as1 implements the bridge's canonical activity representation, a
// loose ActivityStreams-1-style model. Activities and objects are plain
// map[string]any values so that any id-bearing field may hold either a bare
// id string or an embedded record; the accessors here treat both uniformly.
package as1

import (
	"encoding/json"
	"sort"
	"strings"
)

// PublicAudience is the well-known pseudo-id meaning "any recipient".
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Verbs the receive pipeline understands.
const (
	VerbPost          = "post"
	VerbUpdate        = "update"
	VerbDelete        = "delete"
	VerbFollow        = "follow"
	VerbStopFollowing = "stop-following"
	VerbAccept        = "accept"
	VerbLike          = "like"
	VerbShare         = "share"
	VerbBlock         = "block"
	VerbUndo          = "undo"
)

// ActorTypes are the objectType values that denote principals.
var ActorTypes = map[string]bool{
	"application":  true,
	"group":        true,
	"organization": true,
	"person":       true,
	"service":      true,
}

// ObjectTypes that are bare content, not activities or actors.
var ContentTypes = map[string]bool{
	"article": true,
	"comment": true,
	"note":    true,
}

// Object is a canonical activity or thing. May be nil.
type Object = map[string]any

// ObjectType returns the objectType field, or "" if unset.
func ObjectType(obj Object) string {
	s, _ := obj["objectType"].(string)
	return s
}

// Verb returns the verb field, or "" if unset.
func Verb(obj Object) string {
	s, _ := obj["verb"].(string)
	return s
}

// IsActivity reports whether obj is an activity record.
func IsActivity(obj Object) bool {
	return ObjectType(obj) == "activity"
}

// IsActor reports whether obj's objectType is an actor kind.
func IsActor(obj Object) bool {
	return ActorTypes[ObjectType(obj)]
}

// Type returns the activity verb if obj is an activity, else its objectType.
func Type(obj Object) string {
	if IsActivity(obj) {
		return Verb(obj)
	}
	return ObjectType(obj)
}

// ID returns the id field, or "" if unset.
func ID(obj Object) string {
	s, _ := obj["id"].(string)
	return s
}

// GetObject returns field's value as an embedded record, promoting a bare id
// string to {"id": ...}. Returns an empty map if the field is absent.
func GetObject(obj Object, field string) Object {
	if obj == nil {
		return Object{}
	}
	switch v := obj[field].(type) {
	case string:
		if v == "" {
			return Object{}
		}
		return Object{"id": v}
	case map[string]any:
		return v
	}
	return Object{}
}

// GetObjects returns field's value as a list of embedded records, promoting
// bare id strings and unwrapping single values.
func GetObjects(obj Object, field string) []Object {
	if obj == nil {
		return nil
	}
	var out []Object
	add := func(v any) {
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, Object{"id": t})
			}
		case map[string]any:
			out = append(out, t)
		}
	}
	switch v := obj[field].(type) {
	case []any:
		for _, e := range v {
			add(e)
		}
	case []string:
		for _, e := range v {
			add(e)
		}
	default:
		add(v)
	}
	return out
}

// GetIDs returns the id values in field, whether bare strings or embedded
// records.
func GetIDs(obj Object, field string) []string {
	var ids []string
	for _, o := range GetObjects(obj, field) {
		if id := ID(o); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Inner returns the activity's inner object ("object" field) as a record.
func Inner(obj Object) Object {
	return GetObject(obj, "object")
}

// Owner returns the id of obj's actor or author, preferring actor. Actor
// records own themselves. For bare objects with neither, returns "".
func Owner(obj Object) string {
	if obj == nil {
		return ""
	}
	if id := ID(GetObject(obj, "actor")); id != "" {
		return id
	}
	if id := ID(GetObject(obj, "author")); id != "" {
		return id
	}
	if IsActor(obj) {
		return ID(obj)
	}
	return ""
}

// Targets collects the direct recipient ids of an activity: addressed to/cc
// (minus the public audience), inReplyTo parents, and for likes/shares the
// referenced inner object. Scans both the activity and its inner object.
// Result is sorted and deduped.
func Targets(obj Object) []string {
	seen := map[string]bool{}
	collect := func(o Object) {
		for _, field := range []string{"to", "cc"} {
			for _, id := range GetIDs(o, field) {
				if id != PublicAudience {
					seen[id] = true
				}
			}
		}
		for _, id := range GetIDs(o, "inReplyTo") {
			seen[id] = true
		}
	}
	collect(obj)
	inner := Inner(obj)
	collect(inner)

	switch Type(obj) {
	case VerbLike, VerbShare:
		if id := ID(inner); id != "" {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mentions returns the tag records with objectType mention.
func Mentions(obj Object) []Object {
	var out []Object
	for _, tag := range GetObjects(obj, "tags") {
		if ObjectType(tag) == "mention" {
			out = append(out, tag)
		}
	}
	return out
}

// Copy returns a deep copy of obj via JSON round trip.
func Copy(obj Object) Object {
	if obj == nil {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var out Object
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// Equal reports whether two objects are semantically equal, compared in
// canonical JSON form.
func Equal(a, b Object) bool {
	ja, erra := json.Marshal(TrimNulls(a))
	jb, errb := json.Marshal(TrimNulls(b))
	return erra == nil && errb == nil && string(ja) == string(jb)
}

// Collapse replaces an {"id": X} singleton value in field with the bare id X.
func Collapse(obj Object, field string) {
	if m, ok := obj[field].(map[string]any); ok && len(m) == 1 {
		if id, ok := m["id"].(string); ok {
			obj[field] = id
		}
	}
}

// TrimNulls removes nil values, empty strings, empty maps, and empty slices,
// recursively. Returns obj for chaining.
func TrimNulls(obj Object) Object {
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
			delete(obj, k)
		case string:
			if t == "" {
				delete(obj, k)
			}
		case map[string]any:
			if len(TrimNulls(t)) == 0 {
				delete(obj, k)
			}
		case []any:
			out := t[:0]
			for _, e := range t {
				if m, ok := e.(map[string]any); ok {
					if len(TrimNulls(m)) == 0 {
						continue
					}
				}
				if e == nil {
					continue
				}
				out = append(out, e)
			}
			if len(out) == 0 {
				delete(obj, k)
			} else {
				obj[k] = out
			}
		}
	}
	return obj
}

// IsWeb reports whether id is an http(s) URL.
func IsWeb(id string) bool {
	return strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")
}
