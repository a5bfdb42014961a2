// Package attemptlog buffers per-recipient send attempts and flushes
// them to ClickHouse in size/time-based batches, keeping the send loop
// free of log-store latency.
package attemptlog

import (
	"context"
	"time"

	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/repository"
	"go.uber.org/zap"
)

type Writer struct {
	repo      repository.AttemptsRepository
	batchSize int
	flushWait time.Duration
	log       *zap.Logger

	in chan model.SendAttempt
}

func NewWriter(repo repository.AttemptsRepository, batchSize int, flushWait time.Duration, log *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushWait <= 0 {
		flushWait = 300 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		repo:      repo,
		batchSize: batchSize,
		flushWait: flushWait,
		log:       log,
		in:        make(chan model.SendAttempt, batchSize*2),
	}
}

// Record queues an attempt without blocking. If the buffer is full (log
// store down for a while) the attempt is dropped with a warning; the
// campaign's own counters remain the source of truth.
func (w *Writer) Record(a model.SendAttempt) {
	select {
	case w.in <- a:
	default:
		w.log.Warn("attempt log buffer full, dropping record",
			zap.String("campaign_id", a.CampaignID), zap.Int("index", a.Index))
	}
}

// Run flushes batches until ctx is cancelled, then drains what is left.
func (w *Writer) Run(ctx context.Context) {
	tick := time.NewTicker(w.flushWait)
	defer tick.Stop()

	batch := make([]model.SendAttempt, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// detached context so a shutdown flush still lands
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.repo.InsertBatch(fctx, batch); err != nil {
			w.log.Warn("attempt log flush failed",
				zap.Int("count", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain buffered records before the final flush
			for {
				select {
				case a := <-w.in:
					batch = append(batch, a)
					if len(batch) >= w.batchSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return

		case a := <-w.in:
			batch = append(batch, a)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-tick.C:
			flush()
		}
	}
}
