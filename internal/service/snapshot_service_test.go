package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codeground/internal/merr"
	"codeground/internal/model"
	"codeground/internal/registry"
)

type fixedSource struct {
	snap model.Snapshot
}

func (f fixedSource) Snapshot(id string) (model.Snapshot, bool) {
	return f.snap, f.snap.ID == id
}

type memCache struct {
	mu    sync.Mutex
	items map[string]model.Snapshot
	err   error
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string]model.Snapshot)}
}

func (c *memCache) Set(_ context.Context, snap *model.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.items[snap.ID] = *snap
	return nil
}

func (c *memCache) Get(_ context.Context, id string) (*model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	snap, ok := c.items[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (c *memCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	delete(c.items, id)
	return nil
}

func (c *memCache) get(id string) (model.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.items[id]
	return snap, ok
}

type memRepo struct {
	gate chan struct{}

	mu       sync.Mutex
	docs     map[string]model.Document
	failures int
	saves    int
}

func newMemRepo() *memRepo {
	return &memRepo{docs: make(map[string]model.Document)}
}

func (r *memRepo) Save(_ context.Context, doc *model.Document) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.failures > 0 {
		r.failures--
		return errors.New("store unavailable")
	}
	r.docs[doc.ID] = *doc
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*model.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *memRepo) Close(context.Context) error { return nil }

func (r *memRepo) get(id string) (model.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	return doc, ok
}

func newTestSnapshotService(t *testing.T, source SnapshotSource, c *memCache, r *memRepo) *SnapshotService {
	t.Helper()
	svc, err := NewSnapshotService(source, nil, nil, 2, 0, zap.NewNop())
	require.NoError(t, err)
	if c != nil {
		svc.cache = c
	}
	if r != nil {
		svc.docs = r
	}
	svc.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), storeRetries)
	}
	return svc
}

func TestSnapshotService_Flush_WritesDirtyLiveSessions(t *testing.T) {
	req := require.New(t)
	reg := registry.New("javascript")
	_, _ = reg.AddParticipant("abc", "c-1", "alice")
	req.NoError(reg.UpdateDocument("abc", "print(1)"))
	c := newMemCache()
	svc := newTestSnapshotService(t, reg, c, nil)
	defer svc.Close()

	// Given one live and one vanished dirty session
	svc.MarkDirty("abc")
	svc.MarkDirty("gone")

	// When flushed
	svc.Flush(context.Background())

	// Then only the live session is cached
	snap, ok := c.get("abc")
	req.True(ok)
	req.Equal("print(1)", snap.Document)
	_, ok = c.get("gone")
	req.False(ok)

	// And a second flush has nothing to do
	req.NoError(reg.UpdateDocument("abc", "print(2)"))
	svc.Flush(context.Background())
	snap, _ = c.get("abc")
	req.Equal("print(1)", snap.Document)
}

func TestSnapshotService_Flush_WithoutCacheUsesStore(t *testing.T) {
	req := require.New(t)
	reg := registry.New("python")
	reg.GetOrCreate("abc")
	r := newMemRepo()
	svc := newTestSnapshotService(t, reg, nil, r)
	defer svc.Close()

	svc.MarkDirty("abc")
	svc.Flush(context.Background())

	doc, ok := r.get("abc")
	req.True(ok)
	req.Equal("python", doc.Language)
}

func TestSnapshotService_Archive_RetriesStore(t *testing.T) {
	req := require.New(t)
	c := newMemCache()
	r := newMemRepo()
	r.failures = 2
	svc := newTestSnapshotService(t, registry.New(""), c, r)

	// When a destroyed session is archived while the store flaps
	svc.Archive(model.Snapshot{ID: "abc", Document: "print(1)", Language: "python"})
	svc.Close()

	// Then it reaches both the cache and the store
	_, ok := c.get("abc")
	req.True(ok)
	doc, ok := r.get("abc")
	req.True(ok)
	req.Equal("print(1)", doc.Code)
	req.Equal(3, r.saves)
}

func TestSnapshotService_Archive_AfterClose(t *testing.T) {
	req := require.New(t)
	r := newMemRepo()
	svc := newTestSnapshotService(t, registry.New(""), nil, r)
	svc.Close()

	svc.Archive(model.Snapshot{ID: "late", Document: "x"})
	svc.Close()

	_, ok := r.get("late")
	req.True(ok)
}

func TestSnapshotService_Load_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newMemCache()
	r := newMemRepo()
	svc := newTestSnapshotService(t, registry.New(""), c, r)
	defer svc.Close()

	// Given the store and the cache disagree
	req.NoError(r.Save(ctx, &model.Document{ID: "abc", Code: "old"}))
	req.NoError(r.Save(ctx, &model.Document{ID: "cold", Code: "archived", Language: "c"}))
	req.NoError(c.Set(ctx, &model.Snapshot{ID: "abc", Document: "new"}))

	// Then the cache wins and the store is the fallback
	snap, err := svc.Load(ctx, "abc")
	req.NoError(err)
	req.Equal("new", snap.Document)

	snap, err = svc.Load(ctx, "cold")
	req.NoError(err)
	req.Equal("archived", snap.Document)
	req.Equal("c", snap.Language)

	snap, err = svc.Load(ctx, "unknown")
	req.NoError(err)
	req.Nil(snap)

	// And a failing cache degrades to the store
	c.err = errors.New("redis down")
	snap, err = svc.Load(ctx, "cold")
	req.NoError(err)
	req.Equal("archived", snap.Document)
}

func TestSnapshotService_Run_FinalFlush(t *testing.T) {
	req := require.New(t)
	reg := registry.New("")
	reg.GetOrCreate("abc")
	c := newMemCache()
	svc := newTestSnapshotService(t, reg, c, nil)
	defer svc.Close()
	svc.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()

	svc.MarkDirty("abc")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("Run did not stop")
	}
	_, ok := c.get("abc")
	req.True(ok)
}

func TestSnapshotService_StaleWriteAfterArchive_Skipped(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	now := time.Now()
	earlier := model.Snapshot{ID: "abc", Document: "earlier", UpdatedAt: now}
	final := model.Snapshot{ID: "abc", Document: "final", UpdatedAt: now.Add(time.Second)}
	c := newMemCache()
	r := newMemRepo()
	svc := newTestSnapshotService(t, fixedSource{snap: earlier}, c, r)
	defer svc.Close()

	// Given the final state of a destroyed session was archived
	svc.Archive(final)
	req.Eventually(func() bool {
		doc, ok := r.get("abc")
		return ok && doc.Code == "final"
	}, time.Second, 5*time.Millisecond)

	// When a flush that read the session before it was destroyed runs late
	svc.MarkDirty("abc")
	svc.Flush(ctx)
	svc.persist(ctx, earlier, true, true)

	// Then both targets keep the final copy
	snap, ok := c.get("abc")
	req.True(ok)
	req.Equal("final", snap.Document)
	doc, _ := r.get("abc")
	req.Equal("final", doc.Code)

	// And a newer state is still written
	newer := model.Snapshot{ID: "abc", Document: "newer", UpdatedAt: now.Add(2 * time.Second)}
	svc.persist(ctx, newer, true, false)
	snap, _ = c.get("abc")
	req.Equal("newer", snap.Document)
}

func TestSnapshotService_Load_SeesArchiveInFlight(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	r := newMemRepo()
	r.gate = make(chan struct{})
	svc := newTestSnapshotService(t, registry.New(""), nil, r)

	// Given an archive whose store write has not finished
	svc.Archive(model.Snapshot{ID: "abc", Document: "final", Language: "go"})

	// Then Load already returns it
	snap, err := svc.Load(ctx, "abc")
	req.NoError(err)
	req.NotNil(snap)
	req.Equal("final", snap.Document)

	// And after the write it comes from the store
	close(r.gate)
	svc.Close()
	svc.mu.Lock()
	req.Empty(svc.inflight)
	svc.mu.Unlock()
	snap, err = svc.Load(ctx, "abc")
	req.NoError(err)
	req.Equal("go", snap.Language)
}

func TestSnapshotService_Delete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newMemCache()
	r := newMemRepo()
	svc := newTestSnapshotService(t, registry.New(""), c, r)
	defer svc.Close()
	req.NoError(c.Set(ctx, &model.Snapshot{ID: "abc", Document: "cached"}))
	req.NoError(r.Save(ctx, &model.Document{ID: "abc", Code: "stored"}))

	// When an archived session is deleted
	req.NoError(svc.Delete(ctx, "abc"))

	// Then neither target knows it
	_, ok := c.get("abc")
	req.False(ok)
	_, ok = r.get("abc")
	req.False(ok)
	snap, err := svc.Load(ctx, "abc")
	req.NoError(err)
	req.Nil(snap)

	// And a failing cache is reported as a persistence failure
	c.err = errors.New("redis down")
	req.ErrorIs(svc.Delete(ctx, "abc"), merr.ErrPersistenceUnavailable)
}
