package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/outboundly/campaigngw/internal/model"
)

// ContactsRepository materializes recipient lists. Order is fixed by
// the position column, so a resumed dispatcher sees exactly the tail it
// has not processed yet.
type ContactsRepository interface {
	// LoadContacts returns the campaign's recipients in deterministic
	// order. With onlyPending, only rows at position >= fromIndex are
	// returned (used on resume; processed recipients never replay).
	LoadContacts(ctx context.Context, campaignID string, onlyPending bool, fromIndex int) ([]model.Contact, error)
}

type ContactsRepositoryImpl struct {
	db *sqlx.DB
}

func NewContactsRepository(db *sqlx.DB) *ContactsRepositoryImpl {
	return &ContactsRepositoryImpl{db: db}
}

func (r *ContactsRepositoryImpl) LoadContacts(ctx context.Context, campaignID string, onlyPending bool, fromIndex int) ([]model.Contact, error) {
	q := `
		SELECT * FROM contacts
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if onlyPending && fromIndex > 0 {
		q += " AND position >= ?"
		args = append(args, fromIndex)
	}

	q += " ORDER BY position ASC"

	var rows []model.Contact
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
