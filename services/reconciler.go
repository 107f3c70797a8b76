package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CrowderSoup/gym-cards/database"
)

// Push channel message types
const (
	EventCardUpdate  = "card_update"
	EventDelete      = "delete"
	EventRFIDTimeout = "rfid_timeout"
)

var (
	ErrMalformedEvent    = errors.New("malformed push event")
	ErrMalformedSnapshot = errors.New("malformed card snapshot")
)

// PushMessage is the envelope the backend sends on the push channel
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Change describes the effect of one applied push event
type Change struct {
	Type string
	ID   database.CardID
	// Applied is false when the event left the collection untouched
	Applied bool
	Data    json.RawMessage
}

// CardStore holds the canonical card collection in arrival order.
// It is not safe for concurrent use; the Syncer loop is its only writer.
type CardStore struct {
	cards []database.Card
	index map[database.CardID]int
}

func NewCardStore() *CardStore {
	return &CardStore{index: make(map[database.CardID]int)}
}

// DecodeSnapshot parses a get_gym_cards response body. Any shape problem
// yields an empty collection alongside the error, so callers can log and
// carry on with the empty slice.
func DecodeSnapshot(body []byte) ([]database.Card, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return []database.Card{}, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}

	raw, ok := envelope["gym_cards"]
	if !ok {
		return []database.Card{}, fmt.Errorf("%w: missing gym_cards", ErrMalformedSnapshot)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return []database.Card{}, fmt.Errorf("%w: gym_cards is not a list", ErrMalformedSnapshot)
	}

	var cards []database.Card
	if err := json.Unmarshal(raw, &cards); err != nil {
		return []database.Card{}, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}
	return cards, nil
}

// LoadSnapshot replaces the whole collection. Duplicate ids keep the
// position of their first occurrence and the fields of the last.
func (s *CardStore) LoadSnapshot(cards []database.Card) {
	s.cards = make([]database.Card, 0, len(cards))
	s.index = make(map[database.CardID]int, len(cards))
	for _, card := range cards {
		card.Normalize()
		s.put(card)
	}
}

// ApplyEvent applies one raw push message. Unknown message types are
// ignored. A malformed message returns an error and leaves the collection
// exactly as it was.
func (s *CardStore) ApplyEvent(raw []byte) (Change, error) {
	var msg PushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Change{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch msg.Type {
	case EventCardUpdate:
		return s.applyUpdate(msg.Data)
	case EventDelete:
		return s.applyDelete(msg.Data)
	case EventRFIDTimeout:
		return Change{Type: msg.Type, Data: msg.Data}, nil
	default:
		return Change{Type: msg.Type}, nil
	}
}

func (s *CardStore) applyUpdate(data json.RawMessage) (Change, error) {
	id, err := decodeID(data)
	if err != nil {
		return Change{}, err
	}

	// Decoding onto a copy of the stored card only overwrites the fields
	// present in data.
	card, exists := s.Get(id)
	if err := json.Unmarshal(data, &card); err != nil {
		return Change{}, fmt.Errorf("%w: card %d: %w", ErrMalformedEvent, id, err)
	}
	card.ID = id
	card.DerivedStatus = ""
	card.Normalize()

	if exists {
		s.cards[s.index[id]] = card
	} else {
		s.put(card)
	}
	return Change{Type: EventCardUpdate, ID: id, Applied: true, Data: data}, nil
}

func (s *CardStore) applyDelete(data json.RawMessage) (Change, error) {
	id, err := decodeID(data)
	if err != nil {
		return Change{}, err
	}

	i, ok := s.index[id]
	if !ok {
		return Change{Type: EventDelete, ID: id}, nil
	}

	s.cards = append(s.cards[:i], s.cards[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.cards); j++ {
		s.index[s.cards[j].ID] = j
	}
	return Change{Type: EventDelete, ID: id, Applied: true, Data: data}, nil
}

func decodeID(data json.RawMessage) (database.CardID, error) {
	var ref struct {
		ID *database.CardID `json:"id"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if ref.ID == nil {
		return 0, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	return *ref.ID, nil
}

func (s *CardStore) put(card database.Card) {
	if i, ok := s.index[card.ID]; ok {
		s.cards[i] = card
		return
	}
	s.index[card.ID] = len(s.cards)
	s.cards = append(s.cards, card)
}

// Get returns a copy of the card with the given id
func (s *CardStore) Get(id database.CardID) (database.Card, bool) {
	i, ok := s.index[id]
	if !ok {
		return database.Card{}, false
	}
	return s.cards[i], true
}

// Cards returns a copy of the collection in order
func (s *CardStore) Cards() []database.Card {
	cards := make([]database.Card, len(s.cards))
	copy(cards, s.cards)
	return cards
}

func (s *CardStore) Len() int {
	return len(s.cards)
}

// SetDerivedStatus writes back the locally derived status of a card. It
// reports whether the stored value changed.
func (s *CardStore) SetDerivedStatus(id database.CardID, status database.Status) bool {
	i, ok := s.index[id]
	if !ok || s.cards[i].DerivedStatus == status {
		return false
	}
	s.cards[i].DerivedStatus = status
	return true
}
