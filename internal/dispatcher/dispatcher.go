// Package dispatcher runs the per-campaign paced send loop: one
// recipient at a time, an inter-message delay drawn uniformly from the
// campaign's pacing bounds, a calendar-aware sending window, and a
// durable cursor checkpoint after every recipient. Pause, resume,
// cancel and config updates reach a live loop through channel signals
// observed at every suspension point.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/outboundly/campaigngw/internal/gateway"
	"github.com/outboundly/campaigngw/internal/metrics"
	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/repository"
	"github.com/outboundly/campaigngw/internal/util"
	"go.uber.org/zap"
)

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// windowRecheck caps window suspensions so a live config update (or a
// cleared window) takes effect without waiting out the original span.
const windowRecheck = time.Minute

// AttemptSink receives per-recipient outcomes; implementations must not
// block the send loop.
type AttemptSink interface {
	Record(a model.SendAttempt)
}

// EventSink receives lifecycle events; publishing is best-effort.
type EventSink interface {
	Publish(ctx context.Context, ev model.Event)
}

// ProgressSink caches progress snapshots for cheap operator reads.
type ProgressSink interface {
	Store(ctx context.Context, p model.Progress)
}

// Config is the hot-swappable pacing portion of a campaign.
type Config struct {
	DelayMin time.Duration
	DelayMax time.Duration
	Window   *model.SendingWindow
}

// ConfigFrom builds runtime pacing from a persisted campaign row. A
// malformed sending_window blob degrades to no window.
func ConfigFrom(c *model.Campaign, log *zap.Logger) Config {
	cfg := Config{
		DelayMin: time.Duration(c.DelayMin) * time.Second,
		DelayMax: time.Duration(c.DelayMax) * time.Second,
	}
	w, err := c.Window()
	if err != nil {
		log.Warn("malformed sending window, campaign runs unrestricted",
			zap.String("campaign_id", c.ID), zap.Error(err))
		return cfg
	}
	cfg.Window = w
	return cfg
}

// Deps are the dispatcher's collaborators. Attempts, Events and
// Progress may be nil.
type Deps struct {
	Repo     repository.CampaignsRepository
	Gateway  gateway.Client
	Attempts AttemptSink
	Events   EventSink
	Progress ProgressSink
	Log      *zap.Logger
	Now      func() time.Time // test hook; defaults to time.Now
}

// Dispatcher drives one campaign. It owns the pending tail of the
// recipient list; contacts[0] sits at absolute index baseIndex.
type Dispatcher struct {
	campaignID string
	token      string
	msgType    model.MessageType
	msgText    string
	mediaURL   string
	variants   []model.MessageVariant
	contacts   []model.Contact
	baseIndex  int
	total      int

	deps Deps
	log  *zap.Logger
	now  func() time.Time
	rnd  *rand.Rand

	mu       sync.Mutex
	cfg      Config
	st       State
	pos      int // next offset into contacts
	sent     int
	failed   int
	pauseCh  chan struct{} // closed when pause requested
	resumeCh chan struct{} // closed when resume requested

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// New builds a dispatcher over the campaign's unprocessed tail.
// Counters and cursor are restored from the persisted row, so a
// reconstructed dispatcher resumes exactly where the last one stopped.
func New(c *model.Campaign, contacts []model.Contact, cfg Config, deps Deps) *Dispatcher {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	variants, err := c.Variants()
	if err != nil {
		deps.Log.Warn("malformed message variants, falling back to message text",
			zap.String("campaign_id", c.ID), zap.Error(err))
		variants = nil
	}

	return &Dispatcher{
		campaignID: c.ID,
		token:      c.GatewayToken,
		msgType:    c.MessageType,
		msgText:    c.MessageText,
		mediaURL:   c.MediaURL.String,
		variants:   variants,
		contacts:   contacts,
		baseIndex:  c.CurrentIndex,
		total:      c.TotalRecipients(len(contacts)),
		deps:       deps,
		log:        deps.Log.With(zap.String("campaign_id", c.ID)),
		now:        deps.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		cfg:        cfg,
		st:         StateCreated,
		sent:       c.SentCount,
		failed:     c.FailedCount,
		pauseCh:    make(chan struct{}),
		resumeCh:   make(chan struct{}),
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run executes the send loop until completion or cancellation. It is
// called once, on its own goroutine; the caller's deferred cleanup
// (deregister + lease release) runs whatever way it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	d.mu.Lock()
	d.st = StateRunning
	d.mu.Unlock()

	for {
		d.mu.Lock()
		pos := d.pos
		d.mu.Unlock()

		if pos >= len(d.contacts) {
			return d.finish(ctx, StateCompleted, model.StatusCompleted, model.EventCompleted)
		}

		if !d.gate(ctx) {
			return d.finish(ctx, StateCancelled, model.StatusCancelled, model.EventCancelled)
		}

		contact := d.contacts[pos]
		absIdx := d.baseIndex + pos
		d.sendOne(ctx, absIdx, contact)
		d.advance(ctx, absIdx)

		if pos+1 < len(d.contacts) {
			d.sleepDelay()
		}
	}
}

// gate blocks until sending is permitted: not cancelled, not paused,
// and inside the sending window. Every suspension selects on the cancel
// channel so a cancel is observed promptly, not at the next iteration.
// Returns false when cancelled.
func (d *Dispatcher) gate(ctx context.Context) bool {
	for {
		select {
		case <-d.cancelCh:
			return false
		default:
		}

		d.mu.Lock()
		st := d.st
		w := d.cfg.Window
		resume := d.resumeCh
		pause := d.pauseCh
		d.mu.Unlock()

		if st == StatePaused {
			select {
			case <-resume:
				continue
			case <-d.cancelCh:
				return false
			}
		}

		if w != nil {
			now := d.now()
			if !w.Contains(now) {
				wait := w.NextOpen(now).Sub(now)
				if wait > windowRecheck {
					wait = windowRecheck
				}
				d.log.Debug("outside sending window, suspending",
					zap.Duration("wait", wait))
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-pause:
					t.Stop()
				case <-d.cancelCh:
					t.Stop()
					return false
				}
				continue
			}
		}

		return true
	}
}

func (d *Dispatcher) sendOne(ctx context.Context, absIdx int, contact model.Contact) {
	vars, err := contact.Vars()
	if err != nil {
		d.log.Warn("malformed contact variables, sending without substitution",
			zap.String("contact_id", contact.ID), zap.Error(err))
		vars = nil
	}

	tmpl := d.msgText
	if len(d.variants) > 0 {
		tmpl = d.variants[absIdx%len(d.variants)].Text
	}
	text := Render(tmpl, contact, vars)
	phone := util.NormalizePhone(contact.Phone)

	var sendErr error
	if d.msgType == model.MessageTypeMedia && d.mediaURL != "" {
		sendErr = d.deps.Gateway.SendMedia(ctx, d.token, phone, text, d.mediaURL)
	} else {
		sendErr = d.deps.Gateway.SendText(ctx, d.token, phone, text)
	}

	attempt := model.SendAttempt{
		ID:          util.NewULID(),
		CampaignID:  d.campaignID,
		Phone:       phone,
		Index:       absIdx,
		AttemptedAt: d.now(),
	}

	d.mu.Lock()
	if sendErr != nil {
		// one bad recipient never aborts the campaign
		d.failed++
		attempt.Result = model.AttemptFailed
		attempt.Error = sendErr.Error()
	} else {
		d.sent++
		attempt.Result = model.AttemptSent
	}
	d.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(attempt.Result.String()).Inc()
	if sendErr != nil {
		d.log.Debug("send failed", zap.Int("index", absIdx), zap.Error(sendErr))
	}
	if d.deps.Attempts != nil {
		d.deps.Attempts.Record(attempt)
	}
}

// advance moves the cursor past absIdx and persists the checkpoint. A
// failed write is logged and the in-memory state stays authoritative; a
// crash before the next successful checkpoint re-attempts at most one
// recipient.
func (d *Dispatcher) advance(ctx context.Context, absIdx int) {
	d.mu.Lock()
	d.pos++
	index := absIdx + 1
	sent, failed := d.sent, d.failed
	d.mu.Unlock()

	if err := d.deps.Repo.SaveCursor(ctx, d.campaignID, index, sent, failed); err != nil {
		d.log.Warn("cursor checkpoint failed", zap.Int("index", index), zap.Error(err))
	}
	if d.deps.Progress != nil {
		d.deps.Progress.Store(ctx, d.Progress())
	}
}

// sleepDelay waits a uniformly random duration in [delay_min, delay_max].
// Fixed intervals are a detectable automation signature. The wait wakes
// early on pause or cancel; the loop gate handles both.
func (d *Dispatcher) sleepDelay() {
	d.mu.Lock()
	pause := d.pauseCh
	d.mu.Unlock()

	t := time.NewTimer(d.nextDelay())
	select {
	case <-t.C:
	case <-pause:
		t.Stop()
	case <-d.cancelCh:
		t.Stop()
	}
}

func (d *Dispatcher) nextDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	min, max := d.cfg.DelayMin, d.cfg.DelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(d.rnd.Int63n(int64(max-min)+1))
}

func (d *Dispatcher) finish(ctx context.Context, st State, status model.CampaignStatus, ev model.EventType) error {
	d.mu.Lock()
	d.st = st
	sent, failed := d.sent, d.failed
	d.mu.Unlock()

	if err := d.deps.Repo.SetStatus(ctx, d.campaignID, status, ""); err != nil {
		d.log.Error("final status write failed",
			zap.String("status", status.String()), zap.Error(err))
	}
	metrics.CampaignsTotal.WithLabelValues(status.String()).Inc()
	d.publish(ctx, ev, "")
	d.log.Info("campaign finished",
		zap.String("status", status.String()),
		zap.Int("sent", sent), zap.Int("failed", failed))
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, typ model.EventType, reason string) {
	if d.deps.Events == nil {
		return
	}
	d.mu.Lock()
	sent, failed := d.sent, d.failed
	d.mu.Unlock()
	d.deps.Events.Publish(ctx, model.Event{
		CampaignID:  d.campaignID,
		Type:        typ,
		Reason:      reason,
		SentCount:   sent,
		FailedCount: failed,
		At:          d.now(),
	})
}

// Pause suspends iteration at the next checkpoint boundary. The paused
// status is persisted so a restarted process can reconstruct and resume.
func (d *Dispatcher) Pause(ctx context.Context) error {
	d.mu.Lock()
	if d.st != StateRunning {
		st := d.st
		d.mu.Unlock()
		return fmt.Errorf("campaign is %s, not running", st)
	}
	d.st = StatePaused
	close(d.pauseCh)
	d.resumeCh = make(chan struct{})
	d.mu.Unlock()

	if err := d.deps.Repo.SetStatus(ctx, d.campaignID, model.StatusPaused, ""); err != nil {
		d.log.Warn("paused status write failed", zap.Error(err))
	}
	d.publish(ctx, model.EventPaused, "")
	return nil
}

// Resume wakes a paused loop.
func (d *Dispatcher) Resume(ctx context.Context) error {
	d.mu.Lock()
	if d.st != StatePaused {
		st := d.st
		d.mu.Unlock()
		return fmt.Errorf("campaign is %s, not paused", st)
	}
	d.st = StateRunning
	d.pauseCh = make(chan struct{})
	close(d.resumeCh)
	d.mu.Unlock()

	if err := d.deps.Repo.SetStatus(ctx, d.campaignID, model.StatusRunning, ""); err != nil {
		d.log.Warn("running status write failed", zap.Error(err))
	}
	d.publish(ctx, model.EventResumed, "")
	return nil
}

// Cancel requests cooperative cancellation. The loop observes it at the
// next suspension point or iteration boundary, never mid-send.
func (d *Dispatcher) Cancel() {
	d.cancelOnce.Do(func() { close(d.cancelCh) })
}

// ApplyConfigUpdate hot-swaps pacing fields; the running loop honors
// them on its next delay and window check without restarting.
func (d *Dispatcher) ApplyConfigUpdate(u model.ConfigUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u.DelayMin != nil {
		d.cfg.DelayMin = time.Duration(*u.DelayMin) * time.Second
	}
	if u.DelayMax != nil {
		d.cfg.DelayMax = time.Duration(*u.DelayMax) * time.Second
	}
	if w, present, clear, err := u.WindowValue(); err == nil && present {
		if clear {
			d.cfg.Window = nil
		} else {
			d.cfg.Window = w
		}
	}
}

// Progress reports the loop's current counters.
func (d *Dispatcher) Progress() model.Progress {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.baseIndex + d.pos
	p := model.Progress{
		CampaignID:   d.campaignID,
		CurrentIndex: idx,
		SentCount:    d.sent,
		FailedCount:  d.failed,
		Total:        d.total,
	}
	if d.total > 0 {
		p.Percent = float64(idx) / float64(d.total) * 100
	}
	return p
}

// State returns the loop's lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.st
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }
