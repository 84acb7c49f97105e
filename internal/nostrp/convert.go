package nostrp

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/brigfed/brig/internal/as1"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{64}$`)

// eventHex maps an id in any of the plugin's accepted spellings to the raw
// hex form, or "".
func eventHex(id string) string {
	if hexID.MatchString(id) {
		return id
	}
	prefix, value, err := nip19.Decode(id)
	if err != nil {
		return ""
	}
	switch prefix {
	case "note", "npub":
		s, _ := value.(string)
		return s
	case "nevent":
		if ep, ok := value.(nostr.EventPointer); ok {
			return ep.ID
		}
	case "nprofile":
		if pp, ok := value.(nostr.ProfilePointer); ok {
			return pp.PublicKey
		}
	}
	return ""
}

// profileDoc is the kind-0 metadata payload.
type profileDoc struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
	NIP05   string `json:"nip05,omitempty"`
}

// toEvent renders a canonical activity as an unsigned event. Returns nil
// when the protocol has no representation for it.
func toEvent(activity as1.Object, pubkey string) *nostr.Event {
	inner := as1.GetObject(activity, "object")
	verb := as1.Verb(activity)
	now := nostr.Now()

	switch {
	case (verb == as1.VerbPost || verb == as1.VerbUpdate) && as1.ActorTypes[as1.ObjectType(inner)]:
		doc := profileDoc{
			Name:  str(inner["displayName"]),
			About: str(inner["summary"]),
			NIP05: str(inner["username"]),
		}
		if img, ok := inner["image"].(string); ok {
			doc.Picture = img
		}
		content, _ := json.Marshal(doc)
		return &nostr.Event{Kind: 0, PubKey: pubkey, Content: string(content), CreatedAt: now}

	case verb == as1.VerbPost || verb == as1.VerbUpdate:
		ev := &nostr.Event{Kind: 1, PubKey: pubkey, Content: str(inner["content"]), CreatedAt: now}
		if published := str(inner["published"]); published != "" {
			if t, err := time.Parse(time.RFC3339, published); err == nil {
				ev.CreatedAt = nostr.Timestamp(t.Unix())
			}
		}
		for _, parent := range as1.GetIDs(inner, "inReplyTo") {
			if h := eventHex(parent); h != "" {
				ev.Tags = append(ev.Tags, nostr.Tag{"e", h, "", "reply"})
			}
		}
		for _, m := range as1.Mentions(inner) {
			if h := eventHex(str(m["url"])); h != "" {
				ev.Tags = append(ev.Tags, nostr.Tag{"p", h})
			}
		}
		return ev

	case verb == as1.VerbLike:
		if h := eventHex(as1.ID(inner)); h != "" {
			return &nostr.Event{Kind: 7, PubKey: pubkey, Content: "+", CreatedAt: now,
				Tags: nostr.Tags{{"e", h}}}
		}

	case verb == as1.VerbShare:
		if h := eventHex(as1.ID(inner)); h != "" {
			return &nostr.Event{Kind: 6, PubKey: pubkey, CreatedAt: now,
				Tags: nostr.Tags{{"e", h}}}
		}

	case verb == as1.VerbDelete:
		if h := eventHex(as1.ID(inner)); h != "" {
			return &nostr.Event{Kind: 5, PubKey: pubkey, CreatedAt: now,
				Tags: nostr.Tags{{"e", h}}}
		}
	}
	return nil
}

// fromEvent parses a native event into the canonical form.
func fromEvent(ev *nostr.Event) as1.Object {
	npub, err := nip19.EncodePublicKey(ev.PubKey)
	if err != nil {
		return nil
	}

	switch ev.Kind {
	case 0:
		var doc profileDoc
		if err := json.Unmarshal([]byte(ev.Content), &doc); err != nil {
			return nil
		}
		out := as1.Object{
			"objectType": "person",
			"id":         npub,
			"author":     npub,
		}
		if doc.Name != "" {
			out["displayName"] = doc.Name
		}
		if doc.About != "" {
			out["summary"] = doc.About
		}
		if doc.Picture != "" {
			out["image"] = doc.Picture
		}
		if doc.NIP05 != "" {
			out["username"] = doc.NIP05
		}
		return out

	case 1:
		note, err := nip19.EncodeNote(ev.ID)
		if err != nil {
			return nil
		}
		out := as1.Object{
			"objectType": "note",
			"id":         note,
			"author":     npub,
			"content":    ev.Content,
			"published":  time.Unix(int64(ev.CreatedAt), 0).UTC().Format(time.RFC3339),
			"to":         []any{as1.PublicAudience},
		}
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "e" {
				if parent, err := nip19.EncodeNote(tag[1]); err == nil {
					out["inReplyTo"] = parent
					out["objectType"] = "comment"
				}
			}
		}
		return out

	case 5, 6, 7:
		verb := map[int]string{5: as1.VerbDelete, 6: as1.VerbShare, 7: as1.VerbLike}[ev.Kind]
		note, err := nip19.EncodeNote(ev.ID)
		if err != nil {
			return nil
		}
		out := as1.Object{
			"objectType": "activity",
			"verb":       verb,
			"id":         note,
			"actor":      npub,
		}
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "e" {
				if target, err := nip19.EncodeNote(tag[1]); err == nil {
					out["object"] = target
				}
			}
		}
		if as1.ID(as1.GetObject(out, "object")) == "" {
			return nil
		}
		return out
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// decodeHexPubkey accepts an npub or raw hex pubkey.
func decodeHexPubkey(id string) string {
	if hexID.MatchString(id) {
		return id
	}
	if prefix, value, err := nip19.Decode(id); err == nil && prefix == "npub" {
		s, _ := value.(string)
		return s
	}
	return ""
}
