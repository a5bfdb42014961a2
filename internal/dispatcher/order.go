package dispatcher

import (
	"hash/fnv"
	"math/rand"

	"github.com/outboundly/campaigngw/internal/model"
)

// OrderContacts fixes the send order for a campaign. With randomize the
// shuffle is seeded from the campaign id, so a dispatcher reconstructed
// after a restart reproduces the exact order of the original run and
// the persisted cursor stays meaningful.
func OrderContacts(campaignID string, contacts []model.Contact, randomize bool) []model.Contact {
	if !randomize {
		return contacts
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(campaignID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	out := make([]model.Contact, len(contacts))
	copy(out, contacts)
	r.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}
