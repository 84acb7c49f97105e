package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigfed/brig/internal/as1"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestObjectRoundTrip(t *testing.T) {
	s := testStore(t)

	obj := &Object{
		ID:             "https://example.com/post/1",
		SourceProtocol: "activitypub",
		AS1: as1.Object{
			"objectType": "note",
			"id":         "https://example.com/post/1",
			"author":     "https://example.com/alice",
			"content":    "hello",
		},
		Users:       []UserKey{{Protocol: "activitypub", ID: "https://example.com/alice"}},
		Undelivered: []Target{{Protocol: "nostr", URI: "wss://relay.example"}},
	}
	require.NoError(t, s.PutObject(obj))
	assert.Equal(t, int64(1), obj.Version)

	got, err := s.GetObject(obj.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "activitypub", got.SourceProtocol)
	assert.Equal(t, "hello", got.AS1["content"])
	assert.Equal(t, obj.Users, got.Users)
	assert.Equal(t, obj.Undelivered, got.Undelivered)
	assert.Equal(t, StatusNew, got.Status)

	missing, err := s.GetObject("https://example.com/nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetOrCreateObjectFlags(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/2"
	author := "https://example.com/alice"
	note := as1.Object{"objectType": "note", "id": id, "author": author, "content": "v1"}

	obj, err := s.GetOrCreateObject(id, author, ObjectProps{AS1: note, SourceProtocol: "activitypub"})
	require.NoError(t, err)
	assert.True(t, obj.IsNew())
	assert.False(t, obj.IsChanged())

	// same content again: neither new nor changed
	obj, err = s.GetOrCreateObject(id, author, ObjectProps{AS1: note})
	require.NoError(t, err)
	assert.False(t, obj.IsNew())
	assert.False(t, obj.IsChanged())

	edited := as1.Object{"objectType": "note", "id": id, "author": author, "content": "v2"}
	obj, err = s.GetOrCreateObject(id, author, ObjectProps{AS1: edited})
	require.NoError(t, err)
	assert.False(t, obj.IsNew())
	assert.True(t, obj.IsChanged())
	assert.Equal(t, "v2", obj.AS1["content"])
}

func TestGetOrCreateObjectOwnerMismatch(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/3"
	note := as1.Object{"objectType": "note", "id": id, "author": "https://example.com/alice"}

	_, err := s.GetOrCreateObject(id, "https://example.com/alice", ObjectProps{AS1: note})
	require.NoError(t, err)

	_, err = s.GetOrCreateObject(id, "https://example.com/mallory",
		ObjectProps{AS1: as1.Object{"objectType": "note", "id": id, "content": "hijack"}})
	require.ErrorIs(t, err, ErrOwnerMismatch)

	// unchanged on disk
	got, err := s.GetObject(id)
	require.NoError(t, err)
	assert.Nil(t, got.AS1["content"])
}

func TestUpdateDeliveryFinalization(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/4"
	t1 := Target{Protocol: "activitypub", URI: "https://a.example/inbox"}
	t2 := Target{Protocol: "activitypub", URI: "https://b.example/inbox"}
	t3 := Target{Protocol: "nostr", URI: "wss://relay.example"}

	require.NoError(t, s.PutObject(&Object{
		ID:          id,
		Status:      StatusInProgress,
		Undelivered: []Target{t1, t2, t3},
	}))

	require.NoError(t, s.UpdateDelivery(id, t1, SendSent))
	got, _ := s.GetObject(id)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Len(t, got.Undelivered, 2)
	assert.Equal(t, []Target{t1}, got.Delivered)

	require.NoError(t, s.UpdateDelivery(id, t2, SendFailed))
	require.NoError(t, s.UpdateDelivery(id, t3, SendRefused))

	got, _ = s.GetObject(id)
	assert.Empty(t, got.Undelivered)
	assert.Equal(t, []Target{t1}, got.Delivered)
	assert.Equal(t, []Target{t2}, got.Failed)
	// anything delivered wins over failures
	assert.Equal(t, StatusComplete, got.Status)
}

func TestUpdateDeliveryAllRefused(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/5"
	t1 := Target{Protocol: "nostr", URI: "wss://relay.example"}

	require.NoError(t, s.PutObject(&Object{ID: id, Status: StatusInProgress, Undelivered: []Target{t1}}))
	require.NoError(t, s.UpdateDelivery(id, t1, SendRefused))

	got, _ := s.GetObject(id)
	assert.Equal(t, StatusIgnored, got.Status)
	assert.Empty(t, got.Delivered)
	assert.Empty(t, got.Failed)
}

func TestUpdateDeliveryConcurrentTargets(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/12"

	var targets []Target
	for i := 0; i < 8; i++ {
		targets = append(targets, Target{
			Protocol: "activitypub",
			URI:      fmt.Sprintf("https://host%d.example/inbox", i),
		})
	}
	require.NoError(t, s.PutObject(&Object{ID: id, Status: StatusInProgress, Undelivered: targets}))

	// every outcome must land even when send handlers finish at once; a
	// write that loses the version race retries instead of vanishing
	var wg sync.WaitGroup
	errs := make(chan error, len(targets))
	for _, target := range targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			errs <- s.UpdateDelivery(id, target, SendSent)
		}(target)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetObject(id)
	require.NoError(t, err)
	assert.Empty(t, got.Undelivered)
	assert.Len(t, got.Delivered, len(targets))
	assert.Equal(t, StatusComplete, got.Status)
}

func TestObjectCopies(t *testing.T) {
	s := testStore(t)
	id := "https://example.com/post/6"
	require.NoError(t, s.PutObject(&Object{
		ID:     id,
		Copies: []Target{{Protocol: "nostr", URI: "note1abc"}},
	}))

	orig, err := s.ObjectForCopy("note1abc")
	require.NoError(t, err)
	assert.Equal(t, id, orig)

	orig, err = s.ObjectForCopy("note1missing")
	require.NoError(t, err)
	assert.Empty(t, orig)
}

func TestUserRoundTripAndCopies(t *testing.T) {
	s := testStore(t)
	key := UserKey{Protocol: "activitypub", ID: "https://example.com/alice"}

	u, err := s.GetOrCreateUser(key, true)
	require.NoError(t, err)
	assert.True(t, u.Direct)

	u.Handle = "@alice@example.com"
	u.Copies = []Target{{Protocol: "nostr", URI: "npub1alice"}}
	u.EnabledProtocols = []string{"nostr"}
	require.NoError(t, s.PutUser(u))

	got, err := s.GetUser(key)
	require.NoError(t, err)
	assert.Equal(t, "@alice@example.com", got.Handle)
	assert.Equal(t, "npub1alice", got.CopyFor("nostr"))
	assert.True(t, got.HasEnabled("nostr"))
	assert.False(t, got.HasEnabled("web"))

	byHandle, err := s.UserByHandle("activitypub", "@alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, byHandle)
	assert.Equal(t, key, byHandle.Key)

	byCopy, err := s.UserForCopy("nostr", "npub1alice")
	require.NoError(t, err)
	require.NotNil(t, byCopy)
	assert.Equal(t, key, byCopy.Key)

	orig, err := s.OriginalForCopy("npub1alice")
	require.NoError(t, err)
	assert.Equal(t, key.ID, orig)
}

func TestUserUseInstead(t *testing.T) {
	s := testStore(t)
	canonical := UserKey{Protocol: "activitypub", ID: "https://example.com/alice"}
	dupe := UserKey{Protocol: "activitypub", ID: "https://example.com/alice-old"}

	_, err := s.GetOrCreateUser(canonical, false)
	require.NoError(t, err)
	require.NoError(t, s.PutUser(&User{Key: dupe, UseInstead: canonical.ID}))

	got, err := s.GetUser(dupe)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, canonical, got.Key)
}

func TestUserIDsByProtocol(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.PutUser(&User{Key: UserKey{Protocol: "nostr", ID: "npub1a"}}))
	require.NoError(t, s.PutUser(&User{Key: UserKey{Protocol: "nostr", ID: "npub1b"}, Status: "blocked"}))
	require.NoError(t, s.PutUser(&User{Key: UserKey{Protocol: "nostr", ID: "npub1c"}, ManualOptOut: true}))
	require.NoError(t, s.PutUser(&User{Key: UserKey{Protocol: "activitypub", ID: "https://example.com/a"}}))

	ids, err := s.UserIDsByProtocol("nostr")
	require.NoError(t, err)
	assert.Equal(t, []string{"npub1a"}, ids)
}

func TestFollowerEdgeIsUnique(t *testing.T) {
	s := testStore(t)
	alice := UserKey{Protocol: "nostr", ID: "npub1alice"}
	bob := UserKey{Protocol: "activitypub", ID: "https://example.com/bob"}

	_, err := s.GetOrCreateFollower(alice, bob, "follow-1", FollowerActive)
	require.NoError(t, err)

	// a second follow replaces the edge instead of duplicating it
	_, err = s.GetOrCreateFollower(alice, bob, "follow-2", FollowerActive)
	require.NoError(t, err)

	edges, err := s.FollowersOf(bob, FollowerActive)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "follow-2", edges[0].Follow)

	require.NoError(t, s.SetFollowerStatus(alice, bob, FollowerInactive))
	edges, err = s.FollowersOf(bob, FollowerActive)
	require.NoError(t, err)
	assert.Empty(t, edges)

	edge, err := s.GetFollower(alice, bob)
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, FollowerInactive, edge.Status)
}

func TestDeactivateAllFollowers(t *testing.T) {
	s := testStore(t)
	alice := UserKey{Protocol: "nostr", ID: "npub1alice"}
	bob := UserKey{Protocol: "activitypub", ID: "https://example.com/bob"}
	carol := UserKey{Protocol: "activitypub", ID: "https://example.com/carol"}

	_, err := s.GetOrCreateFollower(bob, alice, "f1", FollowerActive)
	require.NoError(t, err)
	_, err = s.GetOrCreateFollower(alice, carol, "f2", FollowerActive)
	require.NoError(t, err)
	_, err = s.GetOrCreateFollower(bob, carol, "f3", FollowerActive)
	require.NoError(t, err)

	require.NoError(t, s.DeactivateAllFollowers(alice))

	edges, err := s.FollowersOf(alice, FollowerActive)
	require.NoError(t, err)
	assert.Empty(t, edges)
	edges, err = s.FollowingOf(alice, FollowerActive)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// unrelated edge untouched
	edges, err = s.FollowersOf(carol, FollowerActive)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, bob, edges[0].From)
}

func TestTaskLifecycle(t *testing.T) {
	s := testStore(t)

	id, err := s.InsertTask("receive", "obj=x")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tasks, err := s.ClaimTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "receive", tasks[0].Queue)
	assert.Equal(t, "obj=x", tasks[0].Params)

	// retry pushes the task past now
	require.NoError(t, s.RetryTask(id, time.Minute, 5))
	tasks, err = s.ClaimTasks(10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, s.CompleteTask(id))
}

func TestTaskMaxAttempts(t *testing.T) {
	s := testStore(t)
	id, err := s.InsertTask("send", "obj=y")
	require.NoError(t, err)

	require.NoError(t, s.RetryTask(id, 0, 2))
	tasks, err := s.ClaimTasks(10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// second retry hits the cap and drops the task
	require.NoError(t, s.RetryTask(id, 0, 2))
	tasks, err = s.ClaimTasks(10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
