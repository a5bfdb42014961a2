package model

import (
	"encoding/json"
	"time"
)

// Contact is one recipient of a campaign. Variables feed template
// substitution; a malformed blob degrades to no variables.
type Contact struct {
	ID         string    `db:"id"`
	CampaignID string    `db:"campaign_id"`
	Phone      string    `db:"phone"`
	Name       string    `db:"name"`
	Variables  []byte    `db:"variables"` // JSON object, nullable
	Position   int       `db:"position"`  // deterministic load order
	CreatedAt  time.Time `db:"created_at"`
}

// Vars parses the stored variables blob into a flat map.
func (c *Contact) Vars() (map[string]string, error) {
	if len(c.Variables) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(c.Variables, &m); err != nil {
		return nil, err
	}
	return m, nil
}
