package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidCard is returned when a card payload fails validation
	ErrInvalidCard = errors.New("invalid card")
	// ErrInvalidQuery is returned for unknown sort columns or search fields
	ErrInvalidQuery = errors.New("invalid query")
)

const (
	MinPriority = 0
	MaxPriority = 10
)

// CardID is the server-assigned identifier of a card. The backend sends it
// as a JSON number, some callers send it as a numeric string.
type CardID int64

func (id *CardID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid card id %s: %w", b, err)
	}
	*id = CardID(n)
	return nil
}

func (id CardID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusExpired     Status = "expired"
	StatusDeactivated Status = "deactivated"
	StatusSuspended   Status = "suspended"
)

// ParseStatus maps a status string to a Status. The legacy "True"/"False"
// spellings written by older backends map to active and inactive.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "true":
		return StatusActive, nil
	case "inactive", "false", "":
		return StatusInactive, nil
	case "expired":
		return StatusExpired, nil
	case "deactivated":
		return StatusDeactivated, nil
	case "suspended":
		return StatusSuspended, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidCard, s)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	switch strings.TrimSpace(string(b)) {
	case "null", "false":
		*s = StatusInactive
		return nil
	case "true":
		*s = StatusActive
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("%w: status %s", ErrInvalidCard, b)
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Kind discriminates the two card shapes the backend has served over time.
type Kind string

const (
	KindMembership Kind = "membership"
	KindTask       Kind = "task"
)

// Timestamp is an instant as sent by the backend. Django emits RFC3339 with
// optional fractions, naive ISO datetimes, and form input may be in the
// datetime-local layout. Naive values are read in the local time zone.
type Timestamp struct {
	time.Time
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

// Offset-less values are wall-clock times at the desk
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidCard, s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = Timestamp{}
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("%w: timestamp %s", ErrInvalidCard, b)
	}
	if str == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ExternalTag is the optional RFID reference of a card. Readers report it
// either as a string or as a bare number.
type ExternalTag string

func (e *ExternalTag) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*e = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*e = ExternalTag(str)
		return nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return fmt.Errorf("%w: rfid tag %s", ErrInvalidCard, b)
	}
	*e = ExternalTag(raw)
	return nil
}

// Card is a membership record as served by the backend. DerivedStatus is
// computed locally and never sent by the server.
type Card struct {
	ID             CardID      `json:"id"`
	Kind           Kind        `json:"kind,omitempty"`
	Title          string      `json:"Title"`
	Description    string      `json:"Description"`
	Status         Status      `json:"Status"`
	Priority       int         `json:"Priority"`
	DateAdded      Timestamp   `json:"DateAdded"`
	ExpirationDate Timestamp   `json:"ExpirationDate"`
	IsExpired      bool        `json:"IsExpired"`
	RFIDCardID     ExternalTag `json:"rfid_card_id,omitempty"`
	DerivedStatus  Status      `json:"derived_status,omitempty"`
}

// Normalize fills the defaults the backend leaves out.
func (c *Card) Normalize() {
	if c.Kind == "" {
		c.Kind = KindMembership
	}
	if c.Status == "" {
		c.Status = StatusInactive
	}
}

// EffectiveStatus is the status a card should be displayed with.
func (c Card) EffectiveStatus() Status {
	if c.DerivedStatus != "" {
		return c.DerivedStatus
	}
	if c.IsExpired {
		return StatusExpired
	}
	if c.Status == "" {
		return StatusInactive
	}
	return c.Status
}

// Expired reports whether the card is already in the terminal expired state.
func (c Card) Expired() bool {
	return c.IsExpired || c.Status == StatusExpired || c.DerivedStatus == StatusExpired
}

var kindStyles = map[Kind]string{
	KindMembership: "info-container",
	KindTask:       "task-container",
}

var statusStyles = map[Status]string{
	StatusActive:      "active",
	StatusInactive:    "inactive",
	StatusExpired:     "expired",
	StatusDeactivated: "deactivated",
	StatusSuspended:   "suspended",
}

// StyleFor returns the container class for a card of the given kind and status.
func StyleFor(kind Kind, status Status) string {
	base, ok := kindStyles[kind]
	if !ok {
		base = kindStyles[KindMembership]
	}
	if suffix, ok := statusStyles[status]; ok {
		return base + " " + suffix
	}
	return base
}

func ValidatePriority(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidCard, priority, MinPriority, MaxPriority)
	}
	return nil
}

type SortColumn string

const (
	SortTitle          SortColumn = "title"
	SortDescription    SortColumn = "description"
	SortStatus         SortColumn = "status"
	SortDateAdded      SortColumn = "date_added"
	SortExpirationDate SortColumn = "expiration_date"
	SortPriority       SortColumn = "priority"
)

func ParseSortColumn(s string) (SortColumn, error) {
	normalized := strings.ToLower(strings.ReplaceAll(s, "_", ""))
	switch normalized {
	case "title", "name":
		return SortTitle, nil
	case "description":
		return SortDescription, nil
	case "status":
		return SortStatus, nil
	case "dateadded", "date":
		return SortDateAdded, nil
	case "expirationdate":
		return SortExpirationDate, nil
	case "priority":
		return SortPriority, nil
	}
	return "", fmt.Errorf("%w: unknown sort column %q", ErrInvalidQuery, s)
}

// SortCards orders cards in place by column. The sort is stable so equal
// keys keep their arrival order.
func SortCards(cards []Card, column SortColumn, ascending bool) {
	less := func(a, b Card) int {
		switch column {
		case SortTitle:
			return strings.Compare(a.Title, b.Title)
		case SortDescription:
			return strings.Compare(a.Description, b.Description)
		case SortStatus:
			return strings.Compare(string(a.EffectiveStatus()), string(b.EffectiveStatus()))
		case SortDateAdded:
			return a.DateAdded.Compare(b.DateAdded.Time)
		case SortExpirationDate:
			return a.ExpirationDate.Compare(b.ExpirationDate.Time)
		case SortPriority:
			return a.Priority - b.Priority
		}
		return 0
	}

	sort.SliceStable(cards, func(i, j int) bool {
		if ascending {
			return less(cards[i], cards[j]) < 0
		}
		return less(cards[i], cards[j]) > 0
	})
}

// FilterCards keeps the cards whose field contains term.
func FilterCards(cards []Card, field, term string) ([]Card, error) {
	var value func(Card) string
	switch strings.ToLower(field) {
	case "title":
		value = func(c Card) string { return c.Title }
	case "description":
		value = func(c Card) string { return c.Description }
	case "status":
		value = func(c Card) string { return string(c.EffectiveStatus()) }
	case "rfid_card_id", "rfid":
		value = func(c Card) string { return string(c.RFIDCardID) }
	default:
		return nil, fmt.Errorf("%w: unknown search field %q", ErrInvalidQuery, field)
	}

	result := []Card{}
	for _, card := range cards {
		if strings.Contains(value(card), term) {
			result = append(result, card)
		}
	}
	return result, nil
}

// CardView is a card as rendered for local clients
type CardView struct {
	Card
	Effective Status `json:"effective_status"`
	Style     string `json:"style"`
}

func NewCardView(card Card) CardView {
	status := card.EffectiveStatus()
	return CardView{
		Card:      card,
		Effective: status,
		Style:     StyleFor(card.Kind, status),
	}
}

func NewCardViews(cards []Card) []CardView {
	views := make([]CardView, 0, len(cards))
	for _, card := range cards {
		views = append(views, NewCardView(card))
	}
	return views
}
