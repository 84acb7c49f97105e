package nostrp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigfed/brig/internal/as1"
)

const (
	testPubkey  = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	testEventID = "43cd9f2c8d2d405b0d9dc2bfeaebdd6b48d7b80f2a5e77d0cc1bcec12a4acb8c"
)

func TestEventHex(t *testing.T) {
	assert.Equal(t, testEventID, eventHex(testEventID))

	note, err := nip19.EncodeNote(testEventID)
	require.NoError(t, err)
	assert.Equal(t, testEventID, eventHex(note))

	npub, err := nip19.EncodePublicKey(testPubkey)
	require.NoError(t, err)
	assert.Equal(t, testPubkey, eventHex(npub))

	nevent, err := nip19.EncodeEvent(testEventID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, testEventID, eventHex(nevent))

	assert.Empty(t, eventHex("https://a.example/note/1"))
	assert.Empty(t, eventHex(strings.ToUpper(testEventID)))
}

func TestToEventNote(t *testing.T) {
	activity := as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbPost,
		"id":         "https://a.example/post/1",
		"actor":      "https://a.example/alice",
		"object": map[string]any{
			"objectType": "note",
			"id":         "https://a.example/note/1",
			"content":    "hello relays",
			"published":  "2026-08-01T12:00:00Z",
		},
	}
	ev := toEvent(activity, testPubkey)
	require.NotNil(t, ev)
	assert.Equal(t, 1, ev.Kind)
	assert.Equal(t, testPubkey, ev.PubKey)
	assert.Equal(t, "hello relays", ev.Content)

	want, _ := time.Parse(time.RFC3339, "2026-08-01T12:00:00Z")
	assert.Equal(t, nostr.Timestamp(want.Unix()), ev.CreatedAt)
	assert.Empty(t, ev.Tags)
}

func TestToEventReply(t *testing.T) {
	parentNote, err := nip19.EncodeNote(testEventID)
	require.NoError(t, err)

	activity := as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbPost,
		"object": map[string]any{
			"objectType": "comment",
			"content":    "replying",
			"inReplyTo":  parentNote,
		},
	}
	ev := toEvent(activity, testPubkey)
	require.NotNil(t, ev)
	require.Len(t, ev.Tags, 1)
	assert.Equal(t, nostr.Tag{"e", testEventID, "", "reply"}, ev.Tags[0])
}

func TestToEventForeignReplyParentDropsTag(t *testing.T) {
	activity := as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbPost,
		"object": map[string]any{
			"objectType": "comment",
			"content":    "replying",
			"inReplyTo":  "https://a.example/post/1",
		},
	}
	ev := toEvent(activity, testPubkey)
	require.NotNil(t, ev)
	assert.Empty(t, ev.Tags)
}

func TestToEventProfile(t *testing.T) {
	activity := as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbUpdate,
		"object": map[string]any{
			"objectType":  "person",
			"id":          "https://a.example/alice",
			"displayName": "Alice",
			"summary":     "just alice",
			"image":       "https://a.example/alice.png",
			"username":    "alice@a.example",
		},
	}
	ev := toEvent(activity, testPubkey)
	require.NotNil(t, ev)
	assert.Equal(t, 0, ev.Kind)

	var doc profileDoc
	require.NoError(t, json.Unmarshal([]byte(ev.Content), &doc))
	assert.Equal(t, "Alice", doc.Name)
	assert.Equal(t, "just alice", doc.About)
	assert.Equal(t, "https://a.example/alice.png", doc.Picture)
	assert.Equal(t, "alice@a.example", doc.NIP05)
}

func TestToEventReactions(t *testing.T) {
	note, err := nip19.EncodeNote(testEventID)
	require.NoError(t, err)

	for verb, kind := range map[string]int{
		as1.VerbLike: 7, as1.VerbShare: 6, as1.VerbDelete: 5,
	} {
		ev := toEvent(as1.Object{
			"objectType": "activity",
			"verb":       verb,
			"object":     note,
		}, testPubkey)
		require.NotNil(t, ev, verb)
		assert.Equal(t, kind, ev.Kind, verb)
		require.NotEmpty(t, ev.Tags, verb)
		assert.Equal(t, nostr.Tag{"e", testEventID}, ev.Tags[0], verb)
	}
	assert.Equal(t, "+", toEvent(as1.Object{
		"objectType": "activity", "verb": as1.VerbLike, "object": note,
	}, testPubkey).Content)
}

func TestToEventUnrepresentable(t *testing.T) {
	// a like of a non-event id can't be expressed
	assert.Nil(t, toEvent(as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbLike,
		"object":     "https://a.example/note/1",
	}, testPubkey))
	assert.Nil(t, toEvent(as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbFollow,
		"object":     "https://a.example/alice",
	}, testPubkey))
}

func TestFromEventNote(t *testing.T) {
	ev := &nostr.Event{
		ID:        testEventID,
		PubKey:    testPubkey,
		Kind:      1,
		Content:   "hello",
		CreatedAt: nostr.Timestamp(1754042400),
	}
	got := fromEvent(ev)
	require.NotNil(t, got)
	assert.Equal(t, "note", as1.ObjectType(got))
	assert.Equal(t, "hello", got["content"])
	assert.Equal(t, []string{as1.PublicAudience}, as1.GetIDs(got, "to"))

	npub, _ := nip19.EncodePublicKey(testPubkey)
	assert.Equal(t, npub, as1.Owner(got))
	note, _ := nip19.EncodeNote(testEventID)
	assert.Equal(t, note, as1.ID(got))
	assert.Equal(t, "2025-08-01T10:00:00Z", got["published"])
}

func TestFromEventReply(t *testing.T) {
	parent := "7f3b65ffc7c04e0aca632ccb06b1e1ea7861dd2b4e57e21b6ae5e2dfae0c2b9a"
	ev := &nostr.Event{
		ID:      testEventID,
		PubKey:  testPubkey,
		Kind:    1,
		Content: "re",
		Tags:    nostr.Tags{{"e", parent}},
	}
	got := fromEvent(ev)
	require.NotNil(t, got)
	assert.Equal(t, "comment", as1.ObjectType(got))
	parentNote, _ := nip19.EncodeNote(parent)
	assert.Equal(t, []string{parentNote}, as1.GetIDs(got, "inReplyTo"))
}

func TestFromEventProfile(t *testing.T) {
	ev := &nostr.Event{
		ID:      testEventID,
		PubKey:  testPubkey,
		Kind:    0,
		Content: `{"name":"Alice","about":"hi","picture":"https://a.example/p.png","nip05":"alice@a.example"}`,
	}
	got := fromEvent(ev)
	require.NotNil(t, got)
	assert.Equal(t, "person", as1.ObjectType(got))
	assert.Equal(t, "Alice", got["displayName"])
	assert.Equal(t, "hi", got["summary"])
	assert.Equal(t, "alice@a.example", got["username"])

	npub, _ := nip19.EncodePublicKey(testPubkey)
	assert.Equal(t, npub, as1.ID(got))
}

func TestFromEventProfileBadJSON(t *testing.T) {
	assert.Nil(t, fromEvent(&nostr.Event{PubKey: testPubkey, Kind: 0, Content: "nope"}))
}

func TestFromEventReactions(t *testing.T) {
	target := "7f3b65ffc7c04e0aca632ccb06b1e1ea7861dd2b4e57e21b6ae5e2dfae0c2b9a"
	for kind, verb := range map[int]string{
		5: as1.VerbDelete, 6: as1.VerbShare, 7: as1.VerbLike,
	} {
		ev := &nostr.Event{
			ID:     testEventID,
			PubKey: testPubkey,
			Kind:   kind,
			Tags:   nostr.Tags{{"e", target}},
		}
		got := fromEvent(ev)
		require.NotNil(t, got, kind)
		assert.Equal(t, verb, as1.Verb(got), kind)
		targetNote, _ := nip19.EncodeNote(target)
		assert.Equal(t, targetNote, as1.ID(as1.Inner(got)), kind)
	}

	// reaction with no subject carries no meaning
	assert.Nil(t, fromEvent(&nostr.Event{ID: testEventID, PubKey: testPubkey, Kind: 7}))
}

func TestFromEventUnknownKind(t *testing.T) {
	assert.Nil(t, fromEvent(&nostr.Event{ID: testEventID, PubKey: testPubkey, Kind: 3}))
}
