package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/repository"
)

type leaseRow struct {
	token string
	at    time.Time
}

// fakeLeaseRepo reproduces the conditional-update semantics of the
// campaigns table in memory: the mutex stands in for the row lock the
// database takes on UPDATE.
type fakeLeaseRepo struct {
	mu       sync.Mutex
	rows     map[string]*leaseRow
	acquires int
}

func newFakeLeaseRepo() *fakeLeaseRepo {
	return &fakeLeaseRepo{rows: map[string]*leaseRow{}}
}

func (f *fakeLeaseRepo) TryAcquireLease(_ context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	r := f.rows[id]
	if r != nil && now.Sub(r.at) <= ttl {
		return false, nil
	}
	f.rows[id] = &leaseRow{token: token, at: now}
	return true, nil
}

func (f *fakeLeaseRepo) ReleaseLease(_ context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.rows[id]; r != nil && r.token == token {
		delete(f.rows, id)
	}
	return nil
}

func (f *fakeLeaseRepo) holder(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.rows[id]; r != nil {
		return r.token
	}
	return ""
}

func (f *fakeLeaseRepo) age(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r := f.rows[id]; r != nil {
		r.at = r.at.Add(-d)
	}
}

// unused by the lock manager
func (f *fakeLeaseRepo) FindByID(context.Context, string) (*model.Campaign, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeLeaseRepo) FindDue(context.Context, time.Time) ([]model.Campaign, error) {
	return nil, nil
}
func (f *fakeLeaseRepo) SetStatus(context.Context, string, model.CampaignStatus, string) error {
	return nil
}
func (f *fakeLeaseRepo) SaveCursor(context.Context, string, int, int, int) error { return nil }
func (f *fakeLeaseRepo) ApplyConfigUpdate(context.Context, string, model.ConfigUpdate) error {
	return nil
}
func (f *fakeLeaseRepo) ResetExpiredRunning(context.Context, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLeaseRepo()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < n; i++ {
		m := NewManager(repo, "proc", time.Minute, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(ctx, "camp-1") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestAcquireLocalFastPath(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLeaseRepo()
	m := NewManager(repo, "proc", time.Minute, nil)

	if !m.Acquire(ctx, "camp-1") {
		t.Fatal("first acquire should succeed")
	}
	before := repo.acquires
	if m.Acquire(ctx, "camp-1") {
		t.Fatal("second acquire from same process should fail")
	}
	if repo.acquires != before {
		t.Fatal("second acquire should not reach the repository")
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLeaseRepo()
	ttl := time.Minute

	a := NewManager(repo, "proc-a", ttl, nil)
	b := NewManager(repo, "proc-b", ttl, nil)

	if !a.Acquire(ctx, "camp-1") {
		t.Fatal("a should acquire")
	}
	if b.Acquire(ctx, "camp-1") {
		t.Fatal("b should lose while lease is fresh")
	}

	// pretend a crashed TTL ago
	repo.age("camp-1", ttl+time.Second)

	if !b.Acquire(ctx, "camp-1") {
		t.Fatal("b should reclaim the expired lease")
	}
	winner := repo.holder("camp-1")

	// a's stale token must not release b's lease
	a.Release(ctx, "camp-1")
	if got := repo.holder("camp-1"); got != winner {
		t.Fatalf("stale release changed the holder: %q -> %q", winner, got)
	}

	b.Release(ctx, "camp-1")
	if repo.holder("camp-1") != "" {
		t.Fatal("release by current holder should clear the lease")
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	repo := newFakeLeaseRepo()
	m := NewManager(repo, "proc", time.Minute, nil)
	m.Release(context.Background(), "never-held")
	if m.Held("never-held") {
		t.Fatal("unheld campaign reported as held")
	}
}
