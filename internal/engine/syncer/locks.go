package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress for project")
	ErrLeaseExpired   = errors.New("sync exceeded its maximum duration")
)

// defaultStoredLease bounds a stored lease when no maximum sync duration is
// configured, so a crashed holder cannot block a project forever.
const defaultStoredLease = time.Hour

// LeaseStore persists project leases. With one configured, processes sharing
// the store exclude each other, not just goroutines in this process.
type LeaseStore interface {
	TryAcquire(ctx context.Context, projectID, holder string, now, expiresAt int64) (bool, error)
	Release(ctx context.Context, projectID, holder string) error
}

// ProjectLocks serializes sync work per project. Entries are reference
// counted and removed once nobody holds or waits on them.
type ProjectLocks struct {
	waitTimeout time.Duration
	leaseFor    time.Duration
	store       LeaseStore
	poll        time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry

	held     atomic.Int64
	expired  atomic.Int64
	rejected atomic.Int64
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

type LockOption func(*ProjectLocks)

// WithLeaseStore backs every lock with a row in store.
func WithLeaseStore(store LeaseStore) LockOption {
	return func(p *ProjectLocks) { p.store = store }
}

// WithLeasePoll sets how often a waiter retries a lease held elsewhere.
func WithLeasePoll(d time.Duration) LockOption {
	return func(p *ProjectLocks) {
		if d > 0 {
			p.poll = d
		}
	}
}

func NewProjectLocks(waitTimeout, leaseFor time.Duration, opts ...LockOption) *ProjectLocks {
	p := &ProjectLocks{
		waitTimeout: waitTimeout,
		leaseFor:    leaseFor,
		poll:        100 * time.Millisecond,
		entries:     make(map[string]*lockEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease is a held project lock. Work done under it should use Context,
// which is cancelled when the lease expires.
type Lease struct {
	ProjectID string

	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	once    sync.Once
	expired atomic.Bool
	release func()
}

func (l *Lease) Context() context.Context { return l.ctx }

func (l *Lease) Expired() bool {
	return l.expired.Load() || errors.Is(context.Cause(l.ctx), ErrLeaseExpired)
}

func (l *Lease) Release() {
	l.once.Do(func() {
		if l.timer != nil {
			l.timer.Stop()
		}
		l.cancel()
		l.release()
	})
}

// Acquire waits for the project's lock until ctx is done or the configured
// wait timeout passes, in which case it returns ErrSyncInProgress. The wait
// covers both the local lock and the stored lease.
func (p *ProjectLocks) Acquire(ctx context.Context, projectID string) (*Lease, error) {
	p.mu.Lock()
	e, ok := p.entries[projectID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		p.entries[projectID] = e
	}
	e.refs++
	p.mu.Unlock()

	var waitC <-chan time.Time
	if p.waitTimeout > 0 {
		t := time.NewTimer(p.waitTimeout)
		defer t.Stop()
		waitC = t.C
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		p.unref(projectID, e)
		return nil, ctx.Err()
	case <-waitC:
		p.unref(projectID, e)
		p.rejected.Add(1)
		return nil, ErrSyncInProgress
	}

	var holder string
	if p.store != nil {
		h, err := p.acquireStored(ctx, projectID, waitC)
		if err != nil {
			<-e.sem
			p.unref(projectID, e)
			return nil, err
		}
		holder = h
	}

	p.held.Add(1)
	lease := &Lease{ProjectID: projectID}
	if p.leaseFor > 0 {
		lease.ctx, lease.cancel = context.WithTimeoutCause(ctx, p.leaseFor, ErrLeaseExpired)
	} else {
		lease.ctx, lease.cancel = context.WithCancel(ctx)
	}
	lease.release = func() {
		if holder != "" {
			p.releaseStored(projectID, holder)
		}
		<-e.sem
		p.held.Add(-1)
		p.unref(projectID, e)
	}

	if p.leaseFor > 0 {
		lease.timer = time.AfterFunc(p.leaseFor, func() {
			lease.expired.Store(true)
			p.expired.Add(1)
			log.Warn().Str("project_id", projectID).Dur("lease", p.leaseFor).Msg("Sync lease expired, force releasing project lock")
			lease.Release()
		})
	}
	return lease, nil
}

func (p *ProjectLocks) acquireStored(ctx context.Context, projectID string, waitC <-chan time.Time) (string, error) {
	holder := uuid.New().String()
	ttl := p.leaseFor
	if ttl <= 0 {
		ttl = defaultStoredLease
	}

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		now := time.Now()
		// the stored lease outlives the local one by a poll interval so it never
		// lapses while this process still holds the lock
		ok, err := p.store.TryAcquire(ctx, projectID, holder, now.UnixMilli(), now.Add(ttl+p.poll).UnixMilli())
		if err != nil {
			return "", fmt.Errorf("acquire project lease: %w", err)
		}
		if ok {
			return holder, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-waitC:
			p.rejected.Add(1)
			return "", ErrSyncInProgress
		}
	}
}

func (p *ProjectLocks) releaseStored(projectID, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Release(ctx, projectID, holder); err != nil {
		log.Error().Err(err).Str("project_id", projectID).Msg("Failed to release project lease")
	}
}

func (p *ProjectLocks) unref(projectID string, e *lockEntry) {
	p.mu.Lock()
	e.refs--
	if e.refs == 0 && p.entries[projectID] == e {
		delete(p.entries, projectID)
	}
	p.mu.Unlock()
}

// WithProjectLock runs fn while holding the project's lock.
func (p *ProjectLocks) WithProjectLock(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	lease, err := p.Acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(lease.Context())
	if lease.Expired() {
		return ErrLeaseExpired
	}
	return err
}

type LockStats struct {
	Held     int64 `json:"held"`
	Tracked  int   `json:"tracked"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

func (p *ProjectLocks) Stats() LockStats {
	p.mu.Lock()
	tracked := len(p.entries)
	p.mu.Unlock()
	return LockStats{Held: p.held.Load(), Tracked: tracked, Expired: p.expired.Load(), Rejected: p.rejected.Load()}
}
