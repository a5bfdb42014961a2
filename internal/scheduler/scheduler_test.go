package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/outboundly/campaigngw/internal/gateway"
	"github.com/outboundly/campaigngw/internal/lock"
	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/repository"
)

type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Campaign
}

func newFakeRepo(rows ...*model.Campaign) *fakeRepo {
	r := &fakeRepo{rows: make(map[string]*model.Campaign)}
	for _, c := range rows {
		r.rows[c.ID] = c
	}
	return r
}

func (r *fakeRepo) FindByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepo) FindDue(_ context.Context, now time.Time) ([]model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []model.Campaign
	for _, c := range r.rows {
		if c.Status != model.StatusScheduled {
			continue
		}
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		due = append(due, *c)
	}
	return due, nil
}

func (r *fakeRepo) TryAcquireLease(_ context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok || c.Status.Terminal() {
		return false, nil
	}
	if c.LeaseAvailable(now, ttl) {
		c.ProcessingLock.String = token
		c.ProcessingLock.Valid = true
		at := now
		c.LockAcquiredAt = &at
		return true, nil
	}
	return false, nil
}

func (r *fakeRepo) ReleaseLease(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if ok && c.ProcessingLock.Valid && c.ProcessingLock.String == token {
		c.ProcessingLock = sql.NullString{}
		c.LockAcquiredAt = nil
	}
	return nil
}

func (r *fakeRepo) SetStatus(_ context.Context, id string, status model.CampaignStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.Status = status
		c.FailReason = sql.NullString{String: reason, Valid: reason != ""}
	}
	return nil
}

func (r *fakeRepo) SaveCursor(_ context.Context, id string, index, sent, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rows[id]; ok {
		c.CurrentIndex = index
		c.SentCount = sent
		c.FailedCount = failed
	}
	return nil
}

func (r *fakeRepo) ApplyConfigUpdate(_ context.Context, id string, u model.ConfigUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if u.DelayMin != nil {
		c.DelayMin = *u.DelayMin
	}
	if u.DelayMax != nil {
		c.DelayMax = *u.DelayMax
	}
	return nil
}

func (r *fakeRepo) ResetExpiredRunning(_ context.Context, now time.Time, ttl time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.rows {
		if c.Status != model.StatusRunning {
			continue
		}
		if c.LockAcquiredAt == nil || c.LockAcquiredAt.Before(now.Add(-ttl)) {
			c.Status = model.StatusScheduled
			c.ProcessingLock = sql.NullString{}
			c.LockAcquiredAt = nil
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) status(id string) model.CampaignStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].Status
}

func (r *fakeRepo) reason(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].FailReason.String
}

func (r *fakeRepo) leaseHolder(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id].ProcessingLock.String
}

func (r *fakeRepo) setLease(id, token string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.rows[id]
	c.ProcessingLock.String = token
	c.ProcessingLock.Valid = true
	c.LockAcquiredAt = &at
}

type fakeContacts struct {
	mu   sync.Mutex
	rows map[string][]model.Contact
}

func (f *fakeContacts) LoadContacts(_ context.Context, campaignID string, onlyPending bool, fromIndex int) ([]model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Contact
	for _, c := range f.rows[campaignID] {
		if onlyPending && c.Position < fromIndex {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type fakeGW struct {
	mu          sync.Mutex
	badFormat   bool
	invalid     bool
	validateErr error
	sent        []string
}

func (g *fakeGW) IsValidTokenFormat(string) bool { return !g.badFormat }

func (g *fakeGW) ValidateInstance(context.Context, string) (gateway.ValidationResult, error) {
	if g.validateErr != nil {
		return gateway.ValidationResult{}, g.validateErr
	}
	if g.invalid {
		return gateway.ValidationResult{Valid: false, Status: "disconnected"}, nil
	}
	return gateway.ValidationResult{Valid: true, Status: "connected"}, nil
}

func (g *fakeGW) SendText(_ context.Context, _ string, phone, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, phone)
	return nil
}

func (g *fakeGW) SendMedia(ctx context.Context, token, phone, caption, _ string) error {
	return g.SendText(ctx, token, phone, caption)
}

func (g *fakeGW) sends() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.sent))
	copy(out, g.sent)
	return out
}

func campaignRow(id string, status model.CampaignStatus) *model.Campaign {
	return &model.Campaign{
		ID:           id,
		Status:       status,
		GatewayToken: "token-0123456789abcdef",
		MessageType:  model.MessageTypeText,
		MessageText:  "hello {name}",
	}
}

func contactsFor(id string, n int) []model.Contact {
	out := make([]model.Contact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.Contact{
			ID:         fmt.Sprintf("%s-ct-%d", id, i),
			CampaignID: id,
			Phone:      fmt.Sprintf("+1555000%04d", i),
			Name:       fmt.Sprintf("Contact %d", i),
			Position:   i,
		})
	}
	return out
}

func newTestScheduler(repo *fakeRepo, contacts *fakeContacts, gw *fakeGW) *Scheduler {
	locks := lock.NewManager(repo, "test-instance", time.Minute, nil)
	return New(Options{
		Campaigns:    repo,
		Contacts:     contacts,
		Locks:        locks,
		Gateway:      gw,
		PollInterval: time.Hour, // polls are driven by hand
		CancelGrace:  time.Second,
	})
}

func waitStatus(t *testing.T, repo *fakeRepo, id string, want model.CampaignStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if repo.status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("campaign %s status = %s, want %s", id, repo.status(id), want)
}

func waitLeaseReleased(t *testing.T, repo *fakeRepo, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if repo.leaseHolder(id) == "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lease on %s still held by %q", id, repo.leaseHolder(id))
}

func TestPollDispatchesDueCampaign(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 3)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)

	s.pollOnce(context.Background())

	waitStatus(t, repo, "c1", model.StatusCompleted)
	waitLeaseReleased(t, repo, "c1")
	if got := len(gw.sends()); got != 3 {
		t.Fatalf("sends = %d, want 3", got)
	}
}

func TestPollSkipsHeldLease(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	repo.setLease("c1", "other-process-123", time.Now())
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 2)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)

	s.pollOnce(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := len(gw.sends()); got != 0 {
		t.Fatalf("dispatched despite foreign lease: %d sends", got)
	}
	if got := repo.status("c1"); got != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got)
	}
}

func TestPollReclaimsExpiredLease(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	repo.setLease("c1", "crashed-process-123", time.Now().Add(-2*time.Minute))
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 1)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)

	s.pollOnce(context.Background())

	waitStatus(t, repo, "c1", model.StatusCompleted)
}

func TestGatewayValidationFailureMarksFailed(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 2)}}
	gw := &fakeGW{invalid: true}
	s := newTestScheduler(repo, contacts, gw)

	if err := s.StartNow(context.Background(), "c1"); err == nil {
		t.Fatal("expected validation error")
	}
	if got := repo.status("c1"); got != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	waitLeaseReleased(t, repo, "c1")
	if got := len(gw.sends()); got != 0 {
		t.Fatalf("sends after failed validation: %d", got)
	}
}

func TestStartNowNoRecipients(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	contacts := &fakeContacts{rows: map[string][]model.Contact{}}
	s := newTestScheduler(repo, contacts, &fakeGW{})

	if err := s.StartNow(context.Background(), "c1"); err == nil {
		t.Fatal("expected error for empty recipient list")
	}
	if got := repo.status("c1"); got != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if repo.reason("c1") != "no recipients" {
		t.Fatalf("fail reason = %q", repo.reason("c1"))
	}
	waitLeaseReleased(t, repo, "c1")
}

func TestStartNowRejectsTerminalAndLive(t *testing.T) {
	repo := newFakeRepo(
		campaignRow("done", model.StatusCompleted),
		campaignRow("gone", model.StatusCancelled),
	)
	s := newTestScheduler(repo, &fakeContacts{}, &fakeGW{})

	for _, id := range []string{"done", "gone"} {
		if err := s.StartNow(context.Background(), id); err == nil {
			t.Fatalf("terminal campaign %s started", id)
		}
	}
	if err := s.StartNow(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown campaign: %v", err)
	}
}

func TestStartNowAlreadyRunning(t *testing.T) {
	row := campaignRow("c1", model.StatusScheduled)
	row.DelayMin, row.DelayMax = 1, 1 // slow enough to still be live
	repo := newFakeRepo(row)
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 5)}}
	s := newTestScheduler(repo, contacts, &fakeGW{})

	if err := s.StartNow(context.Background(), "c1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := s.StartNow(context.Background(), "c1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v, want ErrAlreadyRunning", err)
	}

	_ = s.Cancel(context.Background(), "c1")
}

func TestPauseNotRunning(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	s := newTestScheduler(repo, &fakeContacts{}, &fakeGW{})

	if err := s.Pause(context.Background(), "c1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pause: %v, want ErrNotRunning", err)
	}
}

func TestResumeRequiresPausedRow(t *testing.T) {
	repo := newFakeRepo(campaignRow("c1", model.StatusScheduled))
	s := newTestScheduler(repo, &fakeContacts{}, &fakeGW{})

	if err := s.Resume(context.Background(), "c1"); err == nil {
		t.Fatal("resume of a scheduled campaign must fail")
	}
	waitLeaseReleased(t, repo, "c1")
}

func TestResumeReconstructsFromRow(t *testing.T) {
	// a previous process paused after 2 of 4 recipients
	row := campaignRow("c1", model.StatusPaused)
	row.CurrentIndex = 2
	row.SentCount = 2
	repo := newFakeRepo(row)
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 4)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)

	if err := s.Resume(context.Background(), "c1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitStatus(t, repo, "c1", model.StatusCompleted)

	sent := gw.sends()
	if len(sent) != 2 {
		t.Fatalf("resume replayed recipients: %v", sent)
	}
	if sent[0] != "+15550000002" || sent[1] != "+15550000003" {
		t.Fatalf("resume sent wrong tail: %v", sent)
	}
}

func TestCancelStopsAndReleases(t *testing.T) {
	row := campaignRow("c1", model.StatusScheduled)
	row.DelayMin, row.DelayMax = 1, 1
	repo := newFakeRepo(row)
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 5)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)

	if err := s.StartNow(context.Background(), "c1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(gw.sends()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no sends before cancel")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Cancel(context.Background(), "c1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, repo, "c1", model.StatusCancelled)
	waitLeaseReleased(t, repo, "c1")

	if err := s.Cancel(context.Background(), "c1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second cancel: %v, want ErrNotRunning", err)
	}
}

func TestUpdateConfigGuards(t *testing.T) {
	five := 5
	repo := newFakeRepo(
		campaignRow("done", model.StatusCompleted),
		campaignRow("ok", model.StatusScheduled),
	)
	s := newTestScheduler(repo, &fakeContacts{}, &fakeGW{})
	ctx := context.Background()

	if err := s.UpdateConfig(ctx, "ok", model.ConfigUpdate{}); err == nil {
		t.Fatal("empty update must be rejected")
	}
	if err := s.UpdateConfig(ctx, "done", model.ConfigUpdate{DelayMin: &five}); err == nil {
		t.Fatal("terminal campaign update must be rejected")
	}
	if err := s.UpdateConfig(ctx, "ok", model.ConfigUpdate{DelayMin: &five}); err != nil {
		t.Fatalf("valid update: %v", err)
	}
	repo.mu.Lock()
	got := repo.rows["ok"].DelayMin
	repo.mu.Unlock()
	if got != 5 {
		t.Fatalf("delay_min persisted = %d, want 5", got)
	}
}

func TestResetExpiredRunningReclaimsCrashed(t *testing.T) {
	// a crashed process left "crashed" running with a stale lease; a
	// healthy peer still holds "live"
	crashed := campaignRow("crashed", model.StatusRunning)
	crashed.CurrentIndex = 1
	crashed.SentCount = 1
	live := campaignRow("live", model.StatusRunning)
	repo := newFakeRepo(crashed, live)
	repo.setLease("crashed", "dead-process-123", time.Now().Add(-2*time.Minute))
	repo.setLease("live", "healthy-process-456", time.Now())

	n, err := repo.ResetExpiredRunning(context.Background(), time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count = %d, want 1", n)
	}
	if got := repo.status("crashed"); got != model.StatusScheduled {
		t.Fatalf("crashed campaign status = %s, want scheduled", got)
	}
	if repo.leaseHolder("crashed") != "" {
		t.Fatalf("stale lease not cleared: %q", repo.leaseHolder("crashed"))
	}
	if got := repo.status("live"); got != model.StatusRunning {
		t.Fatalf("fresh-leased campaign touched: %s", got)
	}
	if repo.leaseHolder("live") != "healthy-process-456" {
		t.Fatalf("fresh lease clobbered: %q", repo.leaseHolder("live"))
	}

	// the next poll re-dispatches the reclaimed campaign from its cursor
	contacts := &fakeContacts{rows: map[string][]model.Contact{"crashed": contactsFor("crashed", 3)}}
	gw := &fakeGW{}
	s := newTestScheduler(repo, contacts, gw)
	s.pollOnce(context.Background())

	waitStatus(t, repo, "crashed", model.StatusCompleted)
	sent := gw.sends()
	if len(sent) != 2 || sent[0] != "+15550000001" || sent[1] != "+15550000002" {
		t.Fatalf("reclaimed campaign replayed or skipped recipients: %v", sent)
	}
}

func TestProgressFromPersistedRow(t *testing.T) {
	row := campaignRow("c1", model.StatusPaused)
	row.CurrentIndex = 3
	row.SentCount = 2
	row.FailedCount = 1
	repo := newFakeRepo(row)
	contacts := &fakeContacts{rows: map[string][]model.Contact{"c1": contactsFor("c1", 4)}}
	s := newTestScheduler(repo, contacts, &fakeGW{})

	p, err := s.Progress(context.Background(), "c1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.CurrentIndex != 3 || p.SentCount != 2 || p.FailedCount != 1 || p.Total != 4 {
		t.Fatalf("progress = %+v", p)
	}
	if p.Percent != 75 {
		t.Fatalf("percent = %v, want 75", p.Percent)
	}
}
