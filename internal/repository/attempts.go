package repository

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/outboundly/campaigngw/internal/model"
)

// AttemptsRepository persists and lists per-recipient send attempts in
// ClickHouse (append-only log).
type AttemptsRepository interface {
	InsertBatch(ctx context.Context, attempts []model.SendAttempt) error
	ListByCampaign(ctx context.Context, campaignID string, result model.AttemptResult, limit, offset int) ([]model.SendAttempt, error)
}

type attemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAttemptsRepository(ch *sqlx.DB) AttemptsRepository {
	return &attemptsRepository{ch: ch}
}

func (r *attemptsRepository) InsertBatch(ctx context.Context, attempts []model.SendAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`
		INSERT INTO campgw.send_attempts
		    (id, campaign_id, phone, idx, result, error, attempted_at)
		VALUES
	`)
	args := make([]any, 0, len(attempts)*7)
	for i, a := range attempts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, a.ID, a.CampaignID, a.Phone, a.Index, a.Result.String(), a.Error, a.AttemptedAt)
	}

	_, err := r.ch.ExecContext(ctx, b.String(), args...)
	return err
}

func (r *attemptsRepository) ListByCampaign(ctx context.Context, campaignID string, result model.AttemptResult, limit, offset int) ([]model.SendAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, campaign_id, phone, idx, result, error, attempted_at
		FROM campgw.send_attempts
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if result != "" {
		q += " AND result = ?"
		args = append(args, result.String())
	}

	q += " ORDER BY attempted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.SendAttempt
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
