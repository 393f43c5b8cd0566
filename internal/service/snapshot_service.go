package service

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"codeground/internal/cache"
	"codeground/internal/merr"
	"codeground/internal/metrics"
	"codeground/internal/model"
	"codeground/internal/repository"
)

const (
	writeTimeout   = 10 * time.Second
	releaseTimeout = 5 * time.Second
	storeRetries   = 3
	markTTL        = time.Minute

	targetCache = "cache"
	targetStore = "store"
)

// writeMark is the version of the last snapshot written to one target.
type writeMark struct {
	version  time.Time
	recorded time.Time
}

// SnapshotSource is read by the flusher; the registry implements it.
type SnapshotSource interface {
	Snapshot(sessionID string) (model.Snapshot, bool)
}

// SnapshotService mirrors live session state into the cache and archives
// sessions to the document store when they are destroyed. None of its
// methods called by the relay hub block on I/O.
type SnapshotService struct {
	source   SnapshotSource
	cache    cache.SessionCache
	docs     repository.DocumentRepo
	pool     *ants.Pool
	interval time.Duration
	log      *zap.Logger
	backoff  func() backoff.BackOff

	mu       sync.Mutex
	dirty    map[string]struct{}
	inflight map[string]model.Snapshot
	marks    map[string]writeMark

	// Writes for one session are serialized on its stripe.
	stripes [16]sync.Mutex

	overflow sync.WaitGroup
}

// NewSnapshotService creates the service. cache and docs may each be nil.
func NewSnapshotService(
	source SnapshotSource,
	sessionCache cache.SessionCache,
	docs repository.DocumentRepo,
	workers int,
	interval time.Duration,
	log *zap.Logger,
) (*SnapshotService, error) {
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error("snapshot task panicked", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot pool")
	}
	return &SnapshotService{
		source:   source,
		cache:    sessionCache,
		docs:     docs,
		pool:     pool,
		interval: interval,
		log:      log,
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetries)
		},
		dirty:    make(map[string]struct{}),
		inflight: make(map[string]model.Snapshot),
		marks:    make(map[string]writeMark),
	}, nil
}

// MarkDirty queues sessionID for the next flush.
func (s *SnapshotService) MarkDirty(sessionID string) {
	s.mu.Lock()
	s.dirty[sessionID] = struct{}{}
	s.mu.Unlock()
}

// Archive writes the final state of a destroyed session in the background.
// Load returns it until the write completes.
func (s *SnapshotService) Archive(snap model.Snapshot) {
	s.mu.Lock()
	delete(s.dirty, snap.ID)
	s.inflight[snap.ID] = snap
	s.mu.Unlock()

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		s.persist(ctx, snap, true, true)

		s.mu.Lock()
		if cur, ok := s.inflight[snap.ID]; ok && cur.UpdatedAt.Equal(snap.UpdatedAt) {
			delete(s.inflight, snap.ID)
		}
		s.mu.Unlock()
	}
	if err := s.pool.Submit(task); err != nil {
		// Pool saturated or released: still archive, outside the pool.
		s.log.Warn("snapshot pool unavailable, archiving inline", zap.String("session", snap.ID), zap.Error(err))
		s.overflow.Add(1)
		go func() {
			defer s.overflow.Done()
			task()
		}()
	}
}

// Flush writes every dirty session that is still live. Sessions without a
// cache go straight to the store.
func (s *SnapshotService) Flush(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		snap, ok := s.source.Snapshot(id)
		if !ok {
			continue
		}
		s.persist(ctx, snap, s.cache != nil, s.cache == nil)
	}
	s.pruneMarks(time.Now())
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (s *SnapshotService) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
	} else {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				s.Flush(ctx)
			}
		}
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.Flush(finalCtx)
	return nil
}

// Load finds the last known state of a session: cache first, then store.
// It returns nil, nil when nothing is known.
func (s *SnapshotService) Load(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	s.mu.Lock()
	pending, ok := s.inflight[sessionID]
	s.mu.Unlock()
	if ok {
		return &pending, nil
	}

	if s.cache != nil {
		snap, err := s.cache.Get(ctx, sessionID)
		if err != nil {
			s.log.Warn("snapshot cache read failed", zap.String("session", sessionID), zap.Error(err))
		} else if snap != nil {
			return snap, nil
		}
	}
	if s.docs == nil {
		return nil, nil
	}
	doc, err := s.docs.GetByID(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load document %q", sessionID)
	}
	if doc == nil {
		return nil, nil
	}
	return doc.ToSnapshot(), nil
}

// Delete forgets an archived session in the cache and the store.
func (s *SnapshotService) Delete(ctx context.Context, sessionID string) error {
	mu := s.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	delete(s.dirty, sessionID)
	delete(s.inflight, sessionID)
	delete(s.marks, targetCache+"/"+sessionID)
	delete(s.marks, targetStore+"/"+sessionID)
	s.mu.Unlock()

	var err error
	if s.cache != nil {
		if cerr := s.cache.Delete(ctx, sessionID); cerr != nil {
			err = errors.CombineErrors(err, merr.WrapErrPersistenceUnavailable(cerr, "delete cached snapshot"))
		}
	}
	if s.docs != nil {
		if derr := s.docs.Delete(ctx, sessionID); derr != nil {
			err = errors.CombineErrors(err, merr.WrapErrPersistenceUnavailable(derr, "delete document"))
		}
	}
	return err
}

// Close waits for in-flight archives.
func (s *SnapshotService) Close() {
	if err := s.pool.ReleaseTimeout(releaseTimeout); err != nil {
		s.log.Warn("snapshot pool release timed out", zap.Error(err))
	}
	s.overflow.Wait()
}

// persist writes snap to the selected targets. A target that already holds
// a newer version of the session is left alone.
func (s *SnapshotService) persist(ctx context.Context, snap model.Snapshot, toCache, toStore bool) {
	mu := s.stripe(snap.ID)
	mu.Lock()
	defer mu.Unlock()

	if toCache && s.cache != nil && s.fresh(targetCache, snap) && s.writeCache(ctx, &snap) {
		s.mark(targetCache, snap)
	}
	if toStore && s.docs != nil && s.fresh(targetStore, snap) && s.writeStore(ctx, snap) {
		s.mark(targetStore, snap)
	}
}

func (s *SnapshotService) fresh(target string, snap model.Snapshot) bool {
	s.mu.Lock()
	m, ok := s.marks[target+"/"+snap.ID]
	s.mu.Unlock()
	if ok && snap.UpdatedAt.Before(m.version) {
		metrics.SnapshotWrites.WithLabelValues(target, "stale").Inc()
		s.log.Debug("skipping stale snapshot", zap.String("session", snap.ID), zap.String("target", target))
		return false
	}
	return true
}

func (s *SnapshotService) mark(target string, snap model.Snapshot) {
	s.mu.Lock()
	s.marks[target+"/"+snap.ID] = writeMark{version: snap.UpdatedAt, recorded: time.Now()}
	s.mu.Unlock()
}

// pruneMarks drops marks old enough that no delayed write can still race them.
func (s *SnapshotService) pruneMarks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.marks {
		if now.Sub(m.recorded) > markTTL {
			delete(s.marks, key)
		}
	}
}

func (s *SnapshotService) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func (s *SnapshotService) writeCache(ctx context.Context, snap *model.Snapshot) bool {
	if err := s.cache.Set(ctx, snap); err != nil {
		metrics.SnapshotWrites.WithLabelValues(targetCache, "error").Inc()
		s.log.Warn("snapshot cache write failed", zap.String("session", snap.ID), zap.Error(err))
		return false
	}
	metrics.SnapshotWrites.WithLabelValues(targetCache, "ok").Inc()
	return true
}

func (s *SnapshotService) writeStore(ctx context.Context, snap model.Snapshot) bool {
	doc := model.DocumentFromSnapshot(snap)
	err := backoff.Retry(func() error {
		return s.docs.Save(ctx, doc)
	}, backoff.WithContext(s.backoff(), ctx))
	if err != nil {
		metrics.SnapshotWrites.WithLabelValues(targetStore, "error").Inc()
		s.log.Error("document archive failed", zap.String("session", snap.ID), zap.Error(err))
		return false
	}
	metrics.SnapshotWrites.WithLabelValues(targetStore, "ok").Inc()
	return true
}
