package protocol

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

// fanOutEnv sets up ink alice with plume bob following her.
func fanOutEnv(t *testing.T) (*testEnv, *fakeProtocol, *fakeProtocol) {
	env, ink, plume := receiveEnv(t)
	require.NoError(t, env.store.PutUser(&store.User{
		Key: store.UserKey{Protocol: "plume", ID: bob},
	}))
	_, err := env.store.GetOrCreateFollower(
		store.UserKey{Protocol: "plume", ID: bob},
		store.UserKey{Protocol: "ink", ID: alice},
		"https://plume.example/follow/1", store.FollowerActive)
	require.NoError(t, err)
	return env, ink, plume
}

func TestDeliverFansOutToFollowers(t *testing.T) {
	env, ink, _ := fanOutEnv(t)
	ctx := context.Background()

	noteID := "https://ink.example/note/1"
	activity := postActivity("https://ink.example/post/1", alice,
		as1.Object{"objectType": "note", "id": noteID, "author": alice, "content": "hi"})

	status, err := env.router.Receive(ctx, ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	sends := env.queue.sendTasks()
	require.Len(t, sends, 1)
	assert.Equal(t, "https://ink.example/post/1", sends[0].Params.Get("obj"))
	assert.Equal(t, "plume", sends[0].Params.Get("protocol"))
	assert.Equal(t, "https://plume.example/inbox", sends[0].Params.Get("url"))
	assert.Equal(t, alice, sends[0].Params.Get("user_id"))

	// delivery state reflects the plan
	saved, err := env.store.GetObject("https://ink.example/post/1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, saved.Status)
	assert.Equal(t, []store.Target{{Protocol: "plume", URI: "https://plume.example/inbox"}},
		saved.Undelivered)

	// the note lands on bob's feed
	note, err := env.store.GetObject(noteID)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Contains(t, note.Feed, store.UserKey{Protocol: "plume", ID: bob})
}

func TestDeliverSkipsAlreadyDeliveredTargets(t *testing.T) {
	env, ink, _ := fanOutEnv(t)
	ctx := context.Background()

	target := store.Target{Protocol: "plume", URI: "https://plume.example/inbox"}
	activity := postActivity("https://ink.example/post/9", alice,
		as1.Object{"objectType": "note", "id": "https://ink.example/note/9", "author": alice})
	obj := &store.Object{
		ID:             "https://ink.example/post/9",
		AS1:            activity,
		SourceProtocol: "ink",
		Status:         store.StatusComplete,
		Delivered:      []store.Target{target},
	}
	require.NoError(t, env.store.PutObject(obj))

	user := &store.User{Key: store.UserKey{Protocol: "ink", ID: alice}}
	status, err := env.router.Deliver(ctx, ink, obj, user)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, env.queue.sendTasks())

	// the finalized delivery state survives the redundant plan
	saved, err := env.store.GetObject(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, saved.Status)
	assert.Empty(t, saved.Undelivered)
}

func TestEnqueueReceiveCarriesChangeFlags(t *testing.T) {
	env, _, _ := fanOutEnv(t)

	f := false
	obj := &store.Object{ID: "https://ink.example/note/10", New: &f, Changed: &f}
	require.NoError(t, env.router.EnqueueReceive(context.Background(), obj, alice))

	tasks := env.queue.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, "receive", tasks[0].Queue)
	assert.Equal(t, "false", tasks[0].Params.Get("new"))
	assert.Equal(t, "false", tasks[0].Params.Get("changed"))
}

func TestDeliverSkipsBotFollowers(t *testing.T) {
	env, ink, _ := fanOutEnv(t)
	ctx := context.Background()

	// a bot account following alice must not receive fan-out
	_, err := env.store.GetOrCreateFollower(
		store.UserKey{Protocol: "plume", ID: "plume.brig.example"},
		store.UserKey{Protocol: "ink", ID: alice},
		"bot-follow", store.FollowerActive)
	require.NoError(t, err)

	activity := postActivity("https://ink.example/post/2", alice,
		as1.Object{"objectType": "note", "id": "https://ink.example/note/2", "author": alice})
	status, err := env.router.Receive(ctx, ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Len(t, env.queue.sendTasks(), 1)
}

func TestDeliverReplyToUnbridgedParentIsDropped(t *testing.T) {
	env, ink, _ := fanOutEnv(t)
	ctx := context.Background()

	// parent lives in ink too, and ink bridges into nothing by default
	require.NoError(t, env.store.PutObject(&store.Object{
		ID:             "https://ink.example/post/parent",
		SourceProtocol: "ink",
		AS1: as1.Object{
			"objectType": "note", "id": "https://ink.example/post/parent",
			"author": "https://ink.example/carol",
		},
	}))

	reply := postActivity("https://ink.example/post/reply", alice, as1.Object{
		"objectType": "comment",
		"id":         "https://ink.example/note/reply",
		"author":     alice,
		"inReplyTo":  "https://ink.example/post/parent",
	})
	status, err := env.router.Receive(ctx, ink, receiveObject(reply), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, env.queue.sendTasks())

	saved, err := env.store.GetObject("https://ink.example/post/reply")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIgnored, saved.Status)
}

func TestDeliverReplyToForeignParent(t *testing.T) {
	env, ink, plume := fanOutEnv(t)
	ctx := context.Background()

	parentID := "https://plume.example/post/parent"
	plume.addObject(as1.Object{
		"objectType": "note", "id": parentID, "author": bob,
	})

	reply := postActivity("https://ink.example/post/reply", alice, as1.Object{
		"objectType": "comment",
		"id":         "https://ink.example/note/reply",
		"author":     alice,
		"inReplyTo":  parentID,
	})
	status, err := env.router.Receive(ctx, ink, receiveObject(reply), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	// delivered to the parent's endpoint; replies never fan out to the
	// author's own followers
	sends := env.queue.sendTasks()
	require.Len(t, sends, 1)
	assert.Equal(t, "plume", sends[0].Params.Get("protocol"))
	assert.Equal(t, parentID, sends[0].Params.Get("orig_obj"))

	// and the parent's owner is notified
	saved, err := env.store.GetObject("https://ink.example/post/reply")
	require.NoError(t, err)
	assert.Contains(t, saved.Notify, store.UserKey{Protocol: "plume", ID: bob})
}

func TestDeliverSelfReplyFansOut(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	ink.info.HasFollowAccepts = true
	ink.info.DefaultEnabledProtocols = []string{"plume"}
	plume := newFake("plume", "plume", "https://plume.example/")
	env := newTestEnv(t, nil, ink, plume)

	require.NoError(t, env.store.PutUser(&store.User{
		Key: store.UserKey{Protocol: "plume", ID: bob},
	}))
	_, err := env.store.GetOrCreateFollower(
		store.UserKey{Protocol: "plume", ID: bob},
		store.UserKey{Protocol: "ink", ID: alice},
		"f1", store.FollowerActive)
	require.NoError(t, err)

	// alice replies to her own earlier post
	require.NoError(t, env.store.PutObject(&store.Object{
		ID:             "https://ink.example/post/1",
		SourceProtocol: "ink",
		AS1: as1.Object{
			"objectType": "note", "id": "https://ink.example/post/1", "author": alice,
		},
	}))
	reply := postActivity("https://ink.example/post/2", alice, as1.Object{
		"objectType": "comment",
		"id":         "https://ink.example/note/2",
		"author":     alice,
		"inReplyTo":  "https://ink.example/post/1",
	})
	status, err := env.router.Receive(context.Background(), ink, receiveObject(reply), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	sends := env.queue.sendTasks()
	require.Len(t, sends, 1)
	assert.Equal(t, "plume", sends[0].Params.Get("protocol"))
}

func TestDeliverPushEndpoint(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	plume := newFake("plume", "plume", "wss://")
	plume.info.HasCopies = true
	plume.info.PushEndpoint = "wss://relay.plume.example"
	env := newTestEnv(t, nil, ink, plume)

	require.NoError(t, env.store.PutUser(&store.User{
		Key:              store.UserKey{Protocol: "ink", ID: alice},
		EnabledProtocols: []string{"plume"},
	}))

	activity := postActivity("https://ink.example/post/1", alice,
		as1.Object{"objectType": "note", "id": "https://ink.example/note/1", "author": alice})
	status, err := env.router.Receive(context.Background(), ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	sends := env.queue.sendTasks()
	require.Len(t, sends, 1)
	assert.Equal(t, "plume", sends[0].Params.Get("protocol"))
	assert.Equal(t, "wss://relay.plume.example", sends[0].Params.Get("url"))
}

func TestDeliverPushEndpointRequiresOptIn(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	plume := newFake("plume", "plume", "wss://")
	plume.info.HasCopies = true
	plume.info.PushEndpoint = "wss://relay.plume.example"
	env := newTestEnv(t, nil, ink, plume)

	activity := postActivity("https://ink.example/post/1", alice,
		as1.Object{"objectType": "note", "id": "https://ink.example/note/1", "author": alice})
	status, err := env.router.Receive(context.Background(), ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, env.queue.sendTasks())
}

func TestDeliverLimitedDomain(t *testing.T) {
	cfg := testConfig()
	cfg.LimitedDomains = []string{"ink.example"}
	ink := newFake("ink", "ink", "https://ink.example/")
	plume := newFake("plume", "plume", "wss://")
	plume.info.HasCopies = true
	plume.info.PushEndpoint = "wss://relay.plume.example"
	env := newTestEnv(t, cfg, ink, plume)

	require.NoError(t, env.store.PutUser(&store.User{
		Key:              store.UserKey{Protocol: "ink", ID: alice},
		EnabledProtocols: []string{"plume"},
	}))

	// no followers, limited domain: the push endpoint is skipped
	activity := postActivity("https://ink.example/post/1", alice,
		as1.Object{"objectType": "note", "id": "https://ink.example/note/1", "author": alice})
	status, err := env.router.Receive(context.Background(), ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, env.queue.sendTasks())
}

func TestDeliverDropsSourceDomain(t *testing.T) {
	env, ink, plume := fanOutEnv(t)
	ctx := context.Background()

	// the activity's url points at the follower's own domain, so that target
	// is dropped as an echo
	plume.target = "https://plume.example/inbox"
	activity := postActivity("https://ink.example/post/1", alice, as1.Object{
		"objectType": "note",
		"id":         "https://ink.example/note/1",
		"author":     alice,
		"url":        "https://plume.example/mirrored/1",
	})
	status, err := env.router.Receive(ctx, ink, receiveObject(activity), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, env.queue.sendTasks())
}

func TestDeliverShareCarriesOriginal(t *testing.T) {
	env, ink, _ := fanOutEnv(t)
	ctx := context.Background()

	origID := "https://ink.example/post/orig"
	require.NoError(t, env.store.PutObject(&store.Object{
		ID:             origID,
		SourceProtocol: "ink",
		AS1:            as1.Object{"objectType": "note", "id": origID, "author": "https://ink.example/carol"},
	}))

	share := as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbShare,
		"id":         "https://ink.example/share/1",
		"actor":      alice,
		"object":     origID,
	}
	status, err := env.router.Receive(ctx, ink, receiveObject(share), alice, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)

	sends := env.queue.sendTasks()
	require.Len(t, sends, 1)
	assert.Equal(t, origID, sends[0].Params.Get("orig_obj"))

	// the shared original, not the share, lands on follower feeds
	orig, err := env.store.GetObject(origID)
	require.NoError(t, err)
	assert.Contains(t, orig.Feed, store.UserKey{Protocol: "plume", ID: bob})
}

func TestURLKey(t *testing.T) {
	assert.Equal(t, urlKey("https://Example.COM/inbox"), urlKey("https://example.com/inbox"))
	assert.Equal(t, urlKey("https://example.com/inbox/"), urlKey("https://example.com/inbox"))
	assert.NotEqual(t, urlKey("https://example.com/inbox"), urlKey("https://example.com/other"))
	// a bare origin keeps its root slash distinction
	assert.Equal(t, "https://example.com/", urlKey("https://example.com/"))
}
