package protocol

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/store"
)

func TestLoadObjectPrefersFreshLocalCopy(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	env := newTestEnv(t, nil, ink)
	id := "https://ink.example/note/1"

	require.NoError(t, env.store.PutObject(&store.Object{
		ID:             id,
		SourceProtocol: "ink",
		AS1:            as1.Object{"objectType": "note", "id": id, "content": "stored"},
	}))
	ink.addObject(as1.Object{"objectType": "note", "id": id, "content": "remote"})

	got, err := env.router.LoadObject(context.Background(), ink, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "stored", got.AS1["content"])
	assert.False(t, got.IsNew())
}

func TestLoadObjectRefreshesStaleCopy(t *testing.T) {
	cfg := testConfig()
	cfg.ObjectRefreshAge = -time.Second
	ink := newFake("ink", "ink", "https://ink.example/")
	env := newTestEnv(t, cfg, ink)
	id := "https://ink.example/note/1"

	require.NoError(t, env.store.PutObject(&store.Object{
		ID:             id,
		SourceProtocol: "ink",
		AS1:            as1.Object{"objectType": "note", "id": id, "content": "stored"},
	}))
	ink.addObject(as1.Object{"objectType": "note", "id": id, "content": "remote"})

	got, err := env.router.LoadObject(context.Background(), ink, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "remote", got.AS1["content"])
}

func TestLoadObjectFetchMiss(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	env := newTestEnv(t, nil, ink)

	got, err := env.router.LoadObject(context.Background(), ink, "https://ink.example/note/404")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadObjectSizeCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxObjectBytes = 64
	ink := newFake("ink", "ink", "https://ink.example/")
	env := newTestEnv(t, cfg, ink)
	id := "https://ink.example/note/1"

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	ink.addObject(as1.Object{"objectType": "note", "id": id, "content": string(big)})

	_, err := env.router.LoadObject(context.Background(), ink, id)
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
}

func TestLoadObjectAssignsMissingID(t *testing.T) {
	ink := newFake("ink", "ink", "https://ink.example/")
	env := newTestEnv(t, nil, ink)
	id := "https://ink.example/note/1"

	ink.mu.Lock()
	ink.objects[id] = as1.Object{"objectType": "note", "content": "anonymous"}
	ink.mu.Unlock()

	got, err := env.router.LoadObject(context.Background(), ink, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, as1.ID(got.AS1))
}
