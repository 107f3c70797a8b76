package services

import (
	"time"

	"github.com/CrowderSoup/gym-cards/database"
)

// Deriver computes the display status of cards from their stored status and
// the wall clock. It remembers which cards it has already reported as
// expired so the backend is notified once per expiry.
type Deriver struct {
	notified map[database.CardID]struct{}
}

func NewDeriver() *Deriver {
	return &Deriver{notified: make(map[database.CardID]struct{})}
}

// Derive sets card.DerivedStatus for the instant now and reports whether
// the card has just crossed its expiration and the backend should be told.
func (d *Deriver) Derive(card *database.Card, now time.Time) bool {
	// The server already knows this card is expired
	if card.IsExpired || card.Status == database.StatusExpired {
		card.DerivedStatus = database.StatusExpired
		return false
	}

	expiration := card.ExpirationDate
	if !expiration.IsZero() && now.After(expiration.Time) {
		card.DerivedStatus = database.StatusExpired
		if _, done := d.notified[card.ID]; done {
			return false
		}
		d.notified[card.ID] = struct{}{}
		return true
	}

	// Expiration moved into the future again, re-arm the notification
	delete(d.notified, card.ID)
	card.DerivedStatus = card.Status
	if card.DerivedStatus == "" {
		card.DerivedStatus = database.StatusInactive
	}
	return false
}

// Tick re-derives every card in the store. It returns the cards whose
// derived status changed and the ids that expired during this tick.
func (d *Deriver) Tick(store *CardStore, now time.Time) (changed []database.Card, expired []database.CardID) {
	for _, card := range store.Cards() {
		if d.Derive(&card, now) {
			expired = append(expired, card.ID)
		}
		if store.SetDerivedStatus(card.ID, card.DerivedStatus) {
			changed = append(changed, card)
		}
	}
	return changed, expired
}

// Forget drops the notification record of a removed card
func (d *Deriver) Forget(id database.CardID) {
	delete(d.notified, id)
}

// Retain forgets every card the store no longer holds
func (d *Deriver) Retain(store *CardStore) {
	for id := range d.notified {
		if _, ok := store.Get(id); !ok {
			delete(d.notified, id)
		}
	}
}
