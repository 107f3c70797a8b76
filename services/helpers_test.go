package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/CrowderSoup/gym-cards/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errSubscriptionClosed = errors.New("subscription closed")

// testClock is a settable clock shared between a test and the sync loop
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeBackend struct {
	mu       sync.Mutex
	cards    []database.Card
	fetchErr error
	fetches  int
	updates  []UpdateRequest
	deletes  []database.CardID
	creates  []CreateRequest
	expired  []database.CardID
	failWith error
	// gate, when set, holds every FetchCards call until it is closed
	gate chan struct{}
}

func (b *fakeBackend) FetchCards(ctx context.Context) ([]database.Card, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return []database.Card{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return []database.Card{}, b.fetchErr
	}
	cards := make([]database.Card, len(b.cards))
	copy(cards, b.cards)
	return cards, nil
}

func (b *fakeBackend) UpdateCard(ctx context.Context, update UpdateRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.updates = append(b.updates, update)
	return nil
}

func (b *fakeBackend) DeleteCard(ctx context.Context, id database.CardID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *fakeBackend) CreateCard(ctx context.Context, create CreateRequest) (CreateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return CreateResult{}, b.failWith
	}
	b.creates = append(b.creates, create)
	return CreateResult{Status: CreateWaitingForCard}, nil
}

func (b *fakeBackend) MarkExpired(ctx context.Context, id database.CardID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expired = append(b.expired, id)
	return nil
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func (b *fakeBackend) expiredIDs() []database.CardID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]database.CardID(nil), b.expired...)
}

func (b *fakeBackend) setCards(cards []database.Card) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cards = cards
}

func (b *fakeBackend) setFetchErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErr = err
}

type fakeSubscription struct {
	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		messages: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeSubscription) Next() ([]byte, error) {
	select {
	case message, ok := <-f.messages:
		if !ok {
			return nil, io.EOF
		}
		return message, nil
	case <-f.closed:
		return nil, errSubscriptionClosed
	}
}

func (f *fakeSubscription) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSubscription) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send delivers a push message as the backend would
func (f *fakeSubscription) send(t *testing.T, messageType string, data any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": messageType, "data": data})
	require.NoError(t, err, "marshal push message")
	f.messages <- payload
}

type fakePush struct {
	mu   sync.Mutex
	subs []*fakeSubscription
	err  error
}

func (p *fakePush) Subscribe(ctx context.Context) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	sub := newFakeSubscription()
	p.subs = append(p.subs, sub)
	return sub, nil
}

func (p *fakePush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakePush) latest() *fakeSubscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) == 0 {
		return nil
	}
	return p.subs[len(p.subs)-1]
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	messages []WebSocketMessage
}

func (r *recordingBroadcaster) Broadcast(message WebSocketMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.messages))
	for _, message := range r.messages {
		types = append(types, message.Type)
	}
	return types
}

func (r *recordingBroadcaster) count(messageType string) int {
	n := 0
	for _, t := range r.types() {
		if t == messageType {
			n++
		}
	}
	return n
}

type syncHarness struct {
	syncer      *Syncer
	backend     *fakeBackend
	push        *fakePush
	broadcaster *recordingBroadcaster
	clock       *testClock
	cancel      context.CancelFunc
	done        chan error
}

func startSyncer(t *testing.T, backend *fakeBackend, push *fakePush) *syncHarness {
	t.Helper()

	clock := newTestClock()
	broadcaster := &recordingBroadcaster{}
	syncer := NewSyncer(backend, push, broadcaster, SyncOptions{
		TickInterval: 5 * time.Millisecond,
		ResyncDelay:  10 * time.Millisecond,
		Now:          clock.Now,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- syncer.Run(ctx)
	}()

	h := &syncHarness{
		syncer:      syncer,
		backend:     backend,
		push:        push,
		broadcaster: broadcaster,
		clock:       clock,
		cancel:      cancel,
		done:        done,
	}
	t.Cleanup(h.stop)
	return h
}

func (h *syncHarness) stop() {
	h.cancel()
	<-h.done
	h.done <- nil
}

// cards reads the collection through the loop
func (h *syncHarness) cards(t *testing.T) []database.Card {
	t.Helper()
	cards, err := h.syncer.Cards(context.Background())
	require.NoError(t, err, "Cards should succeed while the loop runs")
	return cards
}

func ts(t time.Time) database.Timestamp {
	return database.Timestamp{Time: t}
}
