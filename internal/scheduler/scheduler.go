// Package scheduler discovers due campaigns, takes the cross-process
// lease for each, and supervises their dispatchers. One scheduler
// process runs one poll loop plus zero or more dispatcher goroutines;
// several processes may run side by side, correctness across them rests
// entirely on the lease protocol.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/outboundly/campaigngw/internal/dispatcher"
	"github.com/outboundly/campaigngw/internal/gateway"
	"github.com/outboundly/campaigngw/internal/lock"
	"github.com/outboundly/campaigngw/internal/metrics"
	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/repository"
	"go.uber.org/zap"
)

const DefaultPollInterval = 60 * time.Second

var (
	// ErrAlreadyRunning means a dispatcher for the campaign is live in
	// this process.
	ErrAlreadyRunning = errors.New("campaign already running")
	// ErrNotRunning means no dispatcher is registered for the campaign.
	ErrNotRunning = errors.New("campaign not running")
	// ErrLockUnavailable means the lease belongs to another holder.
	ErrLockUnavailable = errors.New("could not acquire campaign lock")
)

// Options wires the scheduler's collaborators.
type Options struct {
	Campaigns repository.CampaignsRepository
	Contacts  repository.ContactsRepository
	Locks     *lock.Manager
	Gateway   gateway.Client
	Attempts  dispatcher.AttemptSink
	Events    dispatcher.EventSink
	Progress  dispatcher.ProgressSink
	Log       *zap.Logger

	PollInterval time.Duration
	CancelGrace  time.Duration
}

type Scheduler struct {
	repo     repository.CampaignsRepository
	contacts repository.ContactsRepository
	locks    *lock.Manager
	gw       gateway.Client
	attempts dispatcher.AttemptSink
	events   dispatcher.EventSink
	progress dispatcher.ProgressSink
	log      *zap.Logger

	interval    time.Duration
	cancelGrace time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	baseCtx context.Context
	active  map[string]*dispatcher.Dispatcher
}

func New(opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Scheduler{
		repo:        opts.Campaigns,
		contacts:    opts.Contacts,
		locks:       opts.Locks,
		gw:          opts.Gateway,
		attempts:    opts.Attempts,
		events:      opts.Events,
		progress:    opts.Progress,
		log:         opts.Log,
		interval:    opts.PollInterval,
		cancelGrace: opts.CancelGrace,
		active:      make(map[string]*dispatcher.Dispatcher),
	}
}

// Start launches the poll loop: an immediate first tick, then one every
// interval, until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.baseCtx = ctx
	s.mu.Unlock()

	go s.loop(ctx)
	return nil
}

// Stop halts polling and best-effort pauses every live dispatcher so
// their cursors persist for the next process to resume.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	live := make(map[string]*dispatcher.Dispatcher, len(s.active))
	for id, d := range s.active {
		live[id] = d
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, d := range live {
		if err := d.Pause(ctx); err != nil {
			s.log.Warn("pause on shutdown failed", zap.String("campaign_id", id), zap.Error(err))
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce is the autonomous path: it has no caller to receive errors,
// so everything is caught and logged.
func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.repo.FindDue(ctx, time.Now())
	if err != nil {
		s.log.Error("query due campaigns", zap.Error(err))
		return
	}

	for i := range due {
		c := due[i]
		if !s.locks.Acquire(ctx, c.ID) {
			// lost the race; another tick or process owns it
			continue
		}
		if err := s.dispatch(&c, model.EventStarted); err != nil {
			s.log.Warn("campaign start failed",
				zap.String("campaign_id", c.ID), zap.Error(err))
		}
	}
}

// dispatch validates the gateway account, materializes the pending
// recipient tail, registers a dispatcher and starts its loop. The lease
// must already be held; on any failure it is released here. Once the
// loop goroutine starts, its deferred cleanup owns deregistration and
// release, and runs exactly once however the loop ends.
func (s *Scheduler) dispatch(c *model.Campaign, ev model.EventType) error {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, 30*time.Second)
	defer cancel()

	if err := s.validateGateway(ctx, c); err != nil {
		s.fail(ctx, c.ID, err.Error())
		s.locks.Release(ctx, c.ID)
		return err
	}

	pending, err := s.loadPending(ctx, c)
	if err != nil {
		s.locks.Release(ctx, c.ID)
		return fmt.Errorf("load recipients: %w", err)
	}
	if c.TotalRecipients(len(pending)) == 0 {
		s.fail(ctx, c.ID, "no recipients")
		s.locks.Release(ctx, c.ID)
		return errors.New("campaign has no recipients")
	}
	if len(pending) == 0 {
		// the previous run already processed everyone
		if err := s.repo.SetStatus(ctx, c.ID, model.StatusCompleted, ""); err != nil {
			s.log.Warn("completed status write failed", zap.String("campaign_id", c.ID), zap.Error(err))
		}
		s.locks.Release(ctx, c.ID)
		return nil
	}

	d := dispatcher.New(c, pending, dispatcher.ConfigFrom(c, s.log), dispatcher.Deps{
		Repo:     s.repo,
		Gateway:  s.gw,
		Attempts: s.attempts,
		Events:   s.events,
		Progress: s.progress,
		Log:      s.log,
	})

	s.mu.Lock()
	s.active[c.ID] = d
	s.mu.Unlock()
	metrics.ActiveDispatchers.Inc()

	if err := s.repo.SetStatus(ctx, c.ID, model.StatusRunning, ""); err != nil {
		s.log.Warn("running status write failed", zap.String("campaign_id", c.ID), zap.Error(err))
	}
	s.publish(ctx, c.ID, ev)

	go func() {
		defer s.cleanup(c.ID)
		if err := d.Run(base); err != nil {
			s.log.Error("dispatcher loop error", zap.String("campaign_id", c.ID), zap.Error(err))
		}
	}()

	s.log.Info("campaign dispatched",
		zap.String("campaign_id", c.ID),
		zap.Int("pending", len(pending)),
		zap.Int("from_index", c.CurrentIndex))
	return nil
}

func (s *Scheduler) cleanup(campaignID string) {
	s.mu.Lock()
	delete(s.active, campaignID)
	s.mu.Unlock()
	metrics.ActiveDispatchers.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.locks.Release(ctx, campaignID)
}

// validateGateway runs the cheap syntactic check, then the live
// connectivity check. Both failures are fatal setup errors for this
// attempt, not transient send failures.
func (s *Scheduler) validateGateway(ctx context.Context, c *model.Campaign) error {
	if !s.gw.IsValidTokenFormat(c.GatewayToken) {
		return errors.New("gateway token has invalid format")
	}
	vr, err := s.gw.ValidateInstance(ctx, c.GatewayToken)
	if err != nil {
		return fmt.Errorf("gateway validation failed: %w", err)
	}
	if !vr.Valid {
		reason := vr.Error
		if reason == "" {
			reason = vr.Status
		}
		return fmt.Errorf("gateway instance not connected: %s", reason)
	}
	return nil
}

// loadPending materializes the unprocessed recipient tail. Randomized
// campaigns load the full list and re-apply the deterministic shuffle,
// then slice at the cursor; ordered campaigns push the offset into the
// query.
func (s *Scheduler) loadPending(ctx context.Context, c *model.Campaign) ([]model.Contact, error) {
	if c.RandomizeOrder {
		all, err := s.contacts.LoadContacts(ctx, c.ID, false, 0)
		if err != nil {
			return nil, err
		}
		ordered := dispatcher.OrderContacts(c.ID, all, true)
		if c.CurrentIndex >= len(ordered) {
			return nil, nil
		}
		return ordered[c.CurrentIndex:], nil
	}
	return s.contacts.LoadContacts(ctx, c.ID, c.CurrentIndex > 0, c.CurrentIndex)
}

func (s *Scheduler) fail(ctx context.Context, campaignID, reason string) {
	if err := s.repo.SetStatus(ctx, campaignID, model.StatusFailed, reason); err != nil {
		s.log.Error("failed status write failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}
	metrics.CampaignsTotal.WithLabelValues(model.StatusFailed.String()).Inc()
	if s.events != nil {
		s.events.Publish(ctx, model.Event{
			CampaignID: campaignID,
			Type:       model.EventFailed,
			Reason:     reason,
			At:         time.Now(),
		})
	}
}

func (s *Scheduler) publish(ctx context.Context, campaignID string, typ model.EventType) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, model.Event{CampaignID: campaignID, Type: typ, At: time.Now()})
}

func (s *Scheduler) lookup(campaignID string) (*dispatcher.Dispatcher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.active[campaignID]
	return d, ok
}

// StartNow starts a campaign on operator command, skipping its
// schedule. The same acquire, validate, dispatch sequence as the poll
// path applies.
func (s *Scheduler) StartNow(ctx context.Context, campaignID string) error {
	if _, ok := s.lookup(campaignID); ok || s.locks.Held(campaignID) {
		return ErrAlreadyRunning
	}

	c, err := s.repo.FindByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return fmt.Errorf("campaign is %s and cannot be started", c.Status)
	}
	if c.Status == model.StatusRunning || c.Status == model.StatusPaused {
		return fmt.Errorf("campaign is %s; use resume", c.Status)
	}

	if !s.locks.Acquire(ctx, campaignID) {
		return ErrLockUnavailable
	}
	return s.dispatch(c, model.EventStarted)
}

// Pause suspends a live dispatcher. The lease stays held and the
// dispatcher stays registered so an in-process resume is instant.
func (s *Scheduler) Pause(ctx context.Context, campaignID string) error {
	d, ok := s.lookup(campaignID)
	if !ok {
		return ErrNotRunning
	}
	return d.Pause(ctx)
}

// Resume continues a paused campaign. With a live dispatcher it is an
// in-memory signal; after a process restart the dispatcher is
// reconstructed from the persisted row and the unprocessed tail.
func (s *Scheduler) Resume(ctx context.Context, campaignID string) error {
	if d, ok := s.lookup(campaignID); ok {
		return d.Resume(ctx)
	}

	if !s.locks.Acquire(ctx, campaignID) {
		return ErrLockUnavailable
	}

	c, err := s.repo.FindByID(ctx, campaignID)
	if err != nil {
		s.locks.Release(ctx, campaignID)
		return err
	}
	if c.Status != model.StatusPaused {
		s.locks.Release(ctx, campaignID)
		return fmt.Errorf("campaign is %s, cannot resume", c.Status)
	}

	if err := s.dispatch(c, model.EventResumed); err != nil {
		return err
	}
	return nil
}

// Cancel signals a live dispatcher to stop. Cancellation is cooperative:
// the loop finishes any in-flight send first, and its own cleanup path
// deregisters and releases the lease. Cancel waits up to the grace
// period for that to happen before returning.
func (s *Scheduler) Cancel(ctx context.Context, campaignID string) error {
	d, ok := s.lookup(campaignID)
	if !ok {
		return ErrNotRunning
	}

	d.Cancel()

	select {
	case <-d.Done():
	case <-time.After(s.cancelGrace):
		s.log.Warn("cancel grace elapsed with send in flight",
			zap.String("campaign_id", campaignID))
	case <-ctx.Done():
	}
	return nil
}

// UpdateConfig validates and persists a pacing/schedule update, then
// pushes it into a live dispatcher so the running loop honors the new
// pacing without restart.
func (s *Scheduler) UpdateConfig(ctx context.Context, campaignID string, u model.ConfigUpdate) error {
	if u.Empty() {
		return errors.New("no fields to update")
	}

	c, err := s.repo.FindByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := u.AllowedFor(c.Status); err != nil {
		return err
	}
	if err := u.Validate(c); err != nil {
		return err
	}

	if err := s.repo.ApplyConfigUpdate(ctx, campaignID, u); err != nil {
		return fmt.Errorf("persist config update: %w", err)
	}

	if d, ok := s.lookup(campaignID); ok {
		d.ApplyConfigUpdate(u)
	}
	return nil
}

// LiveProgress reports counters straight from a registered dispatcher.
func (s *Scheduler) LiveProgress(campaignID string) (model.Progress, bool) {
	d, ok := s.lookup(campaignID)
	if !ok {
		return model.Progress{}, false
	}
	return d.Progress(), true
}

// Progress rebuilds counters from the persisted row for campaigns with
// no live dispatcher (the HTTP layer consults the snapshot cache first).
func (s *Scheduler) Progress(ctx context.Context, campaignID string) (model.Progress, error) {
	if p, ok := s.LiveProgress(campaignID); ok {
		return p, nil
	}

	c, err := s.repo.FindByID(ctx, campaignID)
	if err != nil {
		return model.Progress{}, err
	}

	pending, err := s.contacts.LoadContacts(ctx, campaignID, true, c.CurrentIndex)
	if err != nil {
		return model.Progress{}, err
	}

	p := model.Progress{
		CampaignID:   campaignID,
		CurrentIndex: c.CurrentIndex,
		SentCount:    c.SentCount,
		FailedCount:  c.FailedCount,
		Total:        c.TotalRecipients(len(pending)),
	}
	if p.Total > 0 {
		p.Percent = float64(p.CurrentIndex) / float64(p.Total) * 100
	}
	return p, nil
}
