package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/outboundly/campaigngw/internal/model"
)

// ErrNotFound is returned when a campaign id does not exist.
var ErrNotFound = errors.New("campaign not found")

// CampaignsRepository defines persistence for the campaigns table. All
// lease writes are single conditional statements; two processes racing
// for the same expired lease resolve on the row count, never on a
// read-then-write.
type CampaignsRepository interface {
	FindByID(ctx context.Context, id string) (*model.Campaign, error)
	FindDue(ctx context.Context, now time.Time) ([]model.Campaign, error)

	// TryAcquireLease atomically claims the lease when it is free or
	// expired. Returns false when another holder kept it.
	TryAcquireLease(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease clears the lease only while token still matches.
	ReleaseLease(ctx context.Context, id, token string) error

	SetStatus(ctx context.Context, id string, status model.CampaignStatus, reason string) error
	SaveCursor(ctx context.Context, id string, index, sent, failed int) error
	ApplyConfigUpdate(ctx context.Context, id string, u model.ConfigUpdate) error

	// ResetExpiredRunning returns crashed campaigns (running with an
	// expired lease) to scheduled so a poller can reclaim them.
	ResetExpiredRunning(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

func (r *CampaignsRepositoryImpl) FindByID(ctx context.Context, id string) (*model.Campaign, error) {
	const q = `SELECT * FROM campaigns WHERE id = ?`

	var c model.Campaign
	if err := r.db.GetContext(ctx, &c, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindDue lists scheduled campaigns whose start time has arrived,
// earliest-due first.
func (r *CampaignsRepositoryImpl) FindDue(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	const q = `
		SELECT * FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
	`
	var rows []model.Campaign
	if err := r.db.SelectContext(ctx, &rows, q, model.StatusScheduled, now); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CampaignsRepositoryImpl) TryAcquireLease(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error) {
	const q = `
		UPDATE campaigns
		SET processing_lock = ?, lock_acquired_at = ?, updated_at = ?
		WHERE id = ?
		  AND status NOT IN (?, ?, ?)
		  AND (processing_lock IS NULL OR lock_acquired_at IS NULL OR lock_acquired_at < ?)
	`
	res, err := r.db.ExecContext(ctx, q,
		token, now, now, id,
		model.StatusCompleted, model.StatusCancelled, model.StatusFailed,
		now.Add(-ttl),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignsRepositoryImpl) ReleaseLease(ctx context.Context, id, token string) error {
	const q = `
		UPDATE campaigns
		SET processing_lock = NULL, lock_acquired_at = NULL, updated_at = NOW()
		WHERE id = ? AND processing_lock = ?
	`
	_, err := r.db.ExecContext(ctx, q, id, token)
	return err
}

func (r *CampaignsRepositoryImpl) SetStatus(ctx context.Context, id string, status model.CampaignStatus, reason string) error {
	const q = `
		UPDATE campaigns
		SET status = ?, fail_reason = ?, updated_at = NOW()
		WHERE id = ?
	`
	var r2 sql.NullString
	if reason != "" {
		r2 = sql.NullString{String: reason, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, q, status, r2, id)
	return err
}

// SaveCursor persists the durability checkpoint after each recipient.
func (r *CampaignsRepositoryImpl) SaveCursor(ctx context.Context, id string, index, sent, failed int) error {
	const q = `
		UPDATE campaigns
		SET current_index = ?, sent_count = ?, failed_count = ?, updated_at = NOW()
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q, index, sent, failed, id)
	return err
}

// ApplyConfigUpdate persists only the supplied fields. Callers validate
// the update first; this write is mechanical.
func (r *CampaignsRepositoryImpl) ApplyConfigUpdate(ctx context.Context, id string, u model.ConfigUpdate) error {
	q := "UPDATE campaigns SET updated_at = NOW()"
	var args []any

	if u.DelayMin != nil {
		q += ", delay_min = ?"
		args = append(args, *u.DelayMin)
	}
	if u.DelayMax != nil {
		q += ", delay_max = ?"
		args = append(args, *u.DelayMax)
	}
	if _, present, clear, err := u.WindowValue(); err != nil {
		return err
	} else if present {
		q += ", sending_window = ?"
		if clear {
			args = append(args, nil)
		} else {
			args = append(args, []byte(*u.SendingWindow))
		}
	}
	if ts, present, clear, err := u.ScheduleValue(); err != nil {
		return err
	} else if present {
		q += ", scheduled_at = ?"
		if clear {
			args = append(args, nil)
		} else {
			args = append(args, *ts)
		}
	}

	q += " WHERE id = ?"
	args = append(args, id)

	_, err := r.db.ExecContext(ctx, q, args...)
	return err
}

func (r *CampaignsRepositoryImpl) ResetExpiredRunning(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	const q = `
		UPDATE campaigns
		SET status = ?, processing_lock = NULL, lock_acquired_at = NULL, updated_at = ?
		WHERE status = ?
		  AND (lock_acquired_at IS NULL OR lock_acquired_at < ?)
	`
	res, err := r.db.ExecContext(ctx, q, model.StatusScheduled, now, model.StatusRunning, now.Add(-ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
