// Package lock implements cross-process mutual exclusion over campaign
// ids as a lease row in the campaigns table: a token column plus an
// acquired-at timestamp with TTL-based reclaim. There is no dedicated
// lock service; the database's conditional UPDATE is the only atomic
// primitive involved.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/outboundly/campaigngw/internal/metrics"
	"github.com/outboundly/campaigngw/internal/repository"
	"go.uber.org/zap"
)

// DefaultLeaseTTL is how long a lease is honored before another process
// may reclaim it from a crashed holder.
const DefaultLeaseTTL = 5 * time.Minute

// Manager grants time-bounded exclusive leases on campaign ids. The
// process-local held map short-circuits re-acquisition from the same
// process (the common case on every poll tick) without a DB round trip.
type Manager struct {
	repo       repository.CampaignsRepository
	instanceID string
	ttl        time.Duration
	log        *zap.Logger

	mu   sync.Mutex
	held map[string]string // campaign id -> token
}

func NewManager(repo repository.CampaignsRepository, instanceID string, ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		repo:       repo,
		instanceID: instanceID,
		ttl:        ttl,
		held:       make(map[string]string),
		log:        log,
	}
}

func (m *Manager) newToken() string {
	return fmt.Sprintf("%s-%d", m.instanceID, time.Now().UnixMilli())
}

// Acquire tries to take the lease for campaignID. False is the expected
// outcome of losing a race, not an error: callers skip the campaign and
// retry on a later tick.
func (m *Manager) Acquire(ctx context.Context, campaignID string) bool {
	m.mu.Lock()
	if _, ok := m.held[campaignID]; ok {
		m.mu.Unlock()
		m.log.Debug("lease already held in this process", zap.String("campaign_id", campaignID))
		return false
	}
	m.mu.Unlock()

	token := m.newToken()
	ok, err := m.repo.TryAcquireLease(ctx, campaignID, token, time.Now(), m.ttl)
	if err != nil {
		m.log.Debug("lease acquire query failed",
			zap.String("campaign_id", campaignID), zap.Error(err))
		return false
	}
	if !ok {
		metrics.LockContentionTotal.Inc()
		m.log.Debug("lease held by another process", zap.String("campaign_id", campaignID))
		return false
	}

	m.mu.Lock()
	m.held[campaignID] = token
	m.mu.Unlock()
	return true
}

// Release drops the process-local entry and clears the stored lease,
// but only while the stored token still matches ours. A lease reclaimed
// by another process after TTL expiry is left untouched.
func (m *Manager) Release(ctx context.Context, campaignID string) {
	m.mu.Lock()
	token, ok := m.held[campaignID]
	delete(m.held, campaignID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := m.repo.ReleaseLease(ctx, campaignID, token); err != nil {
		m.log.Warn("lease release failed",
			zap.String("campaign_id", campaignID), zap.Error(err))
	}
}

// Held reports whether this process currently believes it holds the
// lease for campaignID.
func (m *Manager) Held(campaignID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[campaignID]
	return ok
}

// TTL exposes the configured lease TTL.
func (m *Manager) TTL() time.Duration { return m.ttl }
