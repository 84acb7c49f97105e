package protocol

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brigfed/brig/internal/as1"
	"github.com/brigfed/brig/internal/config"
	"github.com/brigfed/brig/internal/store"
)

// fakeProtocol is a configurable in-memory plugin. It owns every id with its
// prefix, serves fetches from the objects map, and records sends.
type fakeProtocol struct {
	info   Info
	prefix string

	mu      sync.Mutex
	objects map[string]as1.Object
	handles map[string]string
	target  string
	sends   []fakeSend
	sendOK  bool
	sendErr error
}

type fakeSend struct {
	ObjID  string
	URI    string
	OrigID string
}

func newFake(label, abbrev, prefix string) *fakeProtocol {
	return &fakeProtocol{
		info:    Info{Label: label, Abbrev: abbrev, ContentType: "application/json"},
		prefix:  prefix,
		objects: map[string]as1.Object{},
		handles: map[string]string{},
		target:  "https://" + abbrev + ".example/inbox",
		sendOK:  true,
	}
}

func (f *fakeProtocol) addObject(obj as1.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[as1.ID(obj)] = obj
}

func (f *fakeProtocol) Info() Info { return f.info }

func (f *fakeProtocol) OwnsID(id string) Ownership {
	if strings.HasPrefix(id, f.prefix) {
		return OwnsYes
	}
	return OwnsNo
}

func (f *fakeProtocol) OwnsHandle(handle string, allowInternal bool) Ownership {
	if _, ok := f.handles[handle]; ok {
		return OwnsUnknown
	}
	return OwnsNo
}

func (f *fakeProtocol) HandleToID(ctx context.Context, handle string) (string, error) {
	return f.handles[handle], nil
}

func (f *fakeProtocol) Fetch(ctx context.Context, obj *store.Object) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[obj.ID]
	if !ok {
		return false, nil
	}
	obj.AS1 = as1.Copy(data)
	return true, nil
}

func (f *fakeProtocol) Send(ctx context.Context, obj *store.Object, uri string, fromUser *store.User, origObj *store.Object) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	origID := ""
	if origObj != nil {
		origID = origObj.ID
	}
	f.sends = append(f.sends, fakeSend{ObjID: obj.ID, URI: uri, OrigID: origID})
	return f.sendOK, f.sendErr
}

func (f *fakeProtocol) Convert(ctx context.Context, obj *store.Object, fromUser *store.User) (any, error) {
	return obj.AS1, nil
}

func (f *fakeProtocol) TargetFor(ctx context.Context, obj *store.Object, shared bool) (string, error) {
	return f.target, nil
}

func (f *fakeProtocol) BridgedWebURLFor(user *store.User) string { return "" }

// memQueue records enqueued tasks instead of dispatching them.
type memQueue struct {
	mu    sync.Mutex
	tasks []memTask
}

type memTask struct {
	Queue  string
	Params url.Values
}

func (q *memQueue) Enqueue(ctx context.Context, queue string, params url.Values) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, memTask{Queue: queue, Params: params})
	return nil
}

func (q *memQueue) all() []memTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]memTask(nil), q.tasks...)
}

func (q *memQueue) sendTasks() []memTask {
	var out []memTask
	for _, t := range q.all() {
		if t.Queue == "send" {
			out = append(out, t)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		PrimaryDomain:     "fed.brig.example",
		SuperDomain:       ".brig.example",
		MaxObjectBytes:    1 << 20,
		ObjectRefreshAge:  30 * 24 * time.Hour,
		SeenCacheSize:     1000,
		ProtocolCacheSize: 1000,
	}
}

type testEnv struct {
	router *Router
	store  *store.Store
	queue  *memQueue
	cfg    *config.Config
}

func newTestEnv(t *testing.T, cfg *config.Config, protos ...Protocol) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry()
	for _, p := range protos {
		reg.Register(p)
	}
	q := &memQueue{}
	r := NewRouter(reg, st, cfg, q, slog.Default())
	return &testEnv{router: r, store: st, queue: q, cfg: cfg}
}

// postActivity builds a create activity by the given actor.
func postActivity(id, actor string, inner as1.Object) as1.Object {
	return as1.Object{
		"objectType": "activity",
		"verb":       as1.VerbPost,
		"id":         id,
		"actor":      actor,
		"object":     inner,
	}
}

func receiveObject(activity as1.Object) *store.Object {
	t := true
	return &store.Object{
		ID:  as1.ID(activity),
		AS1: activity,
		New: &t,
	}
}
