package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CrowderSoup/gym-cards/database"
	"go.uber.org/zap"
)

var (
	ErrCardNotFound  = errors.New("card not found")
	ErrUnknownAction = errors.New("unknown action")
	ErrSyncStopped   = errors.New("sync loop is not running")
)

type ActionKind string

const (
	ActionActivate   ActionKind = "activate"
	ActionDeactivate ActionKind = "deactivate"
	ActionDelete     ActionKind = "delete"
)

func ParseActionKind(s string) (ActionKind, error) {
	switch kind := ActionKind(s); kind {
	case ActionActivate, ActionDeactivate, ActionDelete:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// ActionExtra carries optional parameters of a user action
type ActionExtra struct {
	// Priority overrides the card's current priority on status changes
	Priority *int
}

// Backend is the request side of the gym-card API
type Backend interface {
	FetchCards(ctx context.Context) ([]database.Card, error)
	UpdateCard(ctx context.Context, update UpdateRequest) error
	DeleteCard(ctx context.Context, id database.CardID) error
	CreateCard(ctx context.Context, create CreateRequest) (CreateResult, error)
	MarkExpired(ctx context.Context, id database.CardID) error
}

// PushSource opens push channel subscriptions
type PushSource interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Broadcaster receives every change the loop applies
type Broadcaster interface {
	Broadcast(message WebSocketMessage)
}

type SyncOptions struct {
	TickInterval time.Duration
	ResyncDelay  time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// Syncer keeps the local card collection in step with the backend. A single
// goroutine (Run) owns the CardStore and the Deriver; push messages, timer
// ticks, snapshot results and read queries are all serialized through it.
type Syncer struct {
	backend     Backend
	push        PushSource
	broadcaster Broadcaster
	logger      *zap.Logger
	opts        SyncOptions

	store   *CardStore
	deriver *Deriver

	inbox      chan pushFrame
	dropped    chan int
	snapshots  chan snapshotResult
	subscribed chan subscribeResult
	queries    chan func(*CardStore)
	resyncs    chan struct{}
	done       chan struct{}
}

type pushFrame struct {
	gen     int
	payload []byte
}

type snapshotResult struct {
	gen   int
	cards []database.Card
	err   error
}

type subscribeResult struct {
	gen int
	sub Subscription
	err error
}

func NewSyncer(backend Backend, push PushSource, broadcaster Broadcaster, opts SyncOptions, logger *zap.Logger) *Syncer {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.ResyncDelay <= 0 {
		opts.ResyncDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Syncer{
		backend:     backend,
		push:        push,
		broadcaster: broadcaster,
		logger:      logger.Named("sync"),
		opts:        opts,
		store:       NewCardStore(),
		deriver:     NewDeriver(),
		inbox:       make(chan pushFrame),
		dropped:     make(chan int),
		snapshots:   make(chan snapshotResult),
		subscribed:  make(chan subscribeResult),
		queries:     make(chan func(*CardStore)),
		resyncs:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Run loads the snapshot, subscribes to the push channel and processes
// events until ctx is cancelled. The push connection and the ticker are
// released on every exit path.
func (s *Syncer) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	var (
		gen   int
		sub   Subscription
		retry <-chan time.Time
		// Frames that arrive before this generation's snapshot are held
		// back and replayed on top of it.
		loaded  bool
		pending [][]byte
		// haveSnapshot is set once any snapshot has loaded successfully
		haveSnapshot bool
	)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	resync := func() {
		gen++
		if sub != nil {
			sub.Close()
			sub = nil
		}
		retry = nil
		loaded = false
		pending = nil
		s.logger.Info("Resyncing", zap.Int("generation", gen))
		go s.fetch(ctx, gen)
		go s.subscribe(ctx, gen)
	}
	resync()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync loop stopped")
			return nil

		case result := <-s.snapshots:
			if result.gen != gen {
				continue
			}
			switch {
			case result.err == nil:
				haveSnapshot = true
				s.loadSnapshot(ctx, result.cards)
			case haveSnapshot:
				s.logger.Error("Error fetching gym cards, keeping last snapshot", zap.Error(result.err))
			default:
				s.logger.Error("Error fetching gym cards", zap.Error(result.err))
				s.loadSnapshot(ctx, result.cards)
			}
			loaded = true
			for _, payload := range pending {
				s.handleMessage(ctx, payload)
			}
			pending = nil

		case result := <-s.subscribed:
			if result.gen != gen {
				if result.sub != nil {
					result.sub.Close()
				}
				continue
			}
			if result.err != nil {
				s.logger.Warn("Push channel unavailable", zap.Error(result.err), zap.Duration("retry_in", s.opts.ResyncDelay))
				retry = time.After(s.opts.ResyncDelay)
				continue
			}
			sub = result.sub
			go s.read(ctx, gen, sub)

		case frame := <-s.inbox:
			if frame.gen != gen {
				continue
			}
			if !loaded {
				pending = append(pending, frame.payload)
				continue
			}
			s.handleMessage(ctx, frame.payload)

		case droppedGen := <-s.dropped:
			if droppedGen != gen {
				continue
			}
			s.logger.Warn("Push channel disconnected", zap.Duration("resync_in", s.opts.ResyncDelay))
			sub.Close()
			sub = nil
			retry = time.After(s.opts.ResyncDelay)

		case <-retry:
			resync()

		case <-s.resyncs:
			resync()

		case <-ticker.C:
			s.tick(ctx)

		case query := <-s.queries:
			query(s.store)
		}
	}
}

func (s *Syncer) fetch(ctx context.Context, gen int) {
	cards, err := s.backend.FetchCards(ctx)
	select {
	case s.snapshots <- snapshotResult{gen: gen, cards: cards, err: err}:
	case <-ctx.Done():
	}
}

func (s *Syncer) subscribe(ctx context.Context, gen int) {
	sub, err := s.push.Subscribe(ctx)
	select {
	case s.subscribed <- subscribeResult{gen: gen, sub: sub, err: err}:
	case <-ctx.Done():
		if sub != nil {
			sub.Close()
		}
	}
}

// read forwards messages from one subscription until it drops
func (s *Syncer) read(ctx context.Context, gen int, sub Subscription) {
	for {
		payload, err := sub.Next()
		if err != nil {
			select {
			case s.dropped <- gen:
			case <-ctx.Done():
			}
			return
		}

		select {
		case s.inbox <- pushFrame{gen: gen, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Syncer) loadSnapshot(ctx context.Context, cards []database.Card) {
	s.store.LoadSnapshot(cards)
	s.deriver.Retain(s.store)
	_, expired := s.deriver.Tick(s.store, s.opts.Now())
	for _, id := range expired {
		s.notifyExpired(ctx, id)
	}

	s.logger.Info("Loaded card snapshot", zap.Int("cards", s.store.Len()))
	s.broadcast(MessageCards, database.NewCardViews(s.store.Cards()))
}

func (s *Syncer) handleMessage(ctx context.Context, payload []byte) {
	change, err := s.store.ApplyEvent(payload)
	if err != nil {
		s.logger.Warn("Discarding push message", zap.Error(err))
		return
	}

	switch change.Type {
	case EventCardUpdate:
		card, _ := s.store.Get(change.ID)
		s.derive(ctx, &card)
		s.broadcast(EventCardUpdate, database.NewCardView(card))

	case EventDelete:
		if !change.Applied {
			s.logger.Debug("Delete for unknown card", zap.Stringer("id", change.ID))
			return
		}
		s.deriver.Forget(change.ID)
		s.broadcast(EventDelete, map[string]database.CardID{"id": change.ID})

	case EventRFIDTimeout:
		s.logger.Info("RFID timeout reported")
		s.broadcast(EventRFIDTimeout, change.Data)

	default:
		s.logger.Debug("Ignoring push message", zap.String("type", change.Type))
	}
}

func (s *Syncer) derive(ctx context.Context, card *database.Card) {
	if s.deriver.Derive(card, s.opts.Now()) {
		s.notifyExpired(ctx, card.ID)
	}
	s.store.SetDerivedStatus(card.ID, card.DerivedStatus)
}

func (s *Syncer) tick(ctx context.Context) {
	changed, expired := s.deriver.Tick(s.store, s.opts.Now())
	for _, id := range expired {
		s.notifyExpired(ctx, id)
	}
	for _, card := range changed {
		s.broadcast(MessageStatus, database.NewCardView(card))
	}
}

// notifyExpired tells the backend about an expiry without waiting for it
func (s *Syncer) notifyExpired(ctx context.Context, id database.CardID) {
	s.logger.Info("Card expired", zap.Stringer("id", id))
	s.broadcast(MessageExpired, map[string]database.CardID{"id": id})

	go func() {
		if err := s.backend.MarkExpired(ctx, id); err != nil {
			s.logger.Error("Error marking card as expired", zap.Stringer("id", id), zap.Error(err))
		}
	}()
}

func (s *Syncer) broadcast(messageType string, data any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(WebSocketMessage{Type: messageType, Data: data})
}

// query runs fn on the loop goroutine
func (s *Syncer) query(ctx context.Context, fn func(*CardStore)) error {
	finished := make(chan struct{})
	wrapped := func(store *CardStore) {
		fn(store)
		close(finished)
	}

	select {
	case s.queries <- wrapped:
	case <-s.done:
		return ErrSyncStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Cards returns the current collection with derived statuses
func (s *Syncer) Cards(ctx context.Context) ([]database.Card, error) {
	var cards []database.Card
	err := s.query(ctx, func(store *CardStore) {
		cards = store.Cards()
	})
	return cards, err
}

// Card returns a single card
func (s *Syncer) Card(ctx context.Context, id database.CardID) (database.Card, error) {
	var (
		card  database.Card
		found bool
	)
	if err := s.query(ctx, func(store *CardStore) {
		card, found = store.Get(id)
	}); err != nil {
		return database.Card{}, err
	}
	if !found {
		return database.Card{}, fmt.Errorf("%w: %d", ErrCardNotFound, id)
	}
	return card, nil
}

// Resync re-fetches the snapshot and re-subscribes to the push channel
func (s *Syncer) Resync(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrSyncStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case s.resyncs <- struct{}{}:
	default:
		// A resync is already pending
	}
	return nil
}

// IssueAction sends a user action to the backend. Local state is not
// touched; the resulting change arrives over the push channel.
func (s *Syncer) IssueAction(ctx context.Context, kind ActionKind, id database.CardID, extra ActionExtra) error {
	switch kind {
	case ActionActivate, ActionDeactivate:
		priority := 0
		if extra.Priority != nil {
			priority = *extra.Priority
		} else {
			card, err := s.Card(ctx, id)
			if err != nil {
				return err
			}
			priority = card.Priority
		}
		if err := database.ValidatePriority(priority); err != nil {
			return err
		}

		update := UpdateRequest{ID: id, Status: database.StatusDeactivated, Priority: priority}
		if kind == ActionActivate {
			notExpired := false
			update.Status = database.StatusActive
			update.IsExpired = &notExpired
		}
		if err := s.backend.UpdateCard(ctx, update); err != nil {
			return fmt.Errorf("failed to %s card %d: %w", kind, id, err)
		}

	case ActionDelete:
		if err := s.backend.DeleteCard(ctx, id); err != nil {
			return fmt.Errorf("failed to delete card %d: %w", id, err)
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	s.logger.Info("Action sent", zap.String("action", string(kind)), zap.Stringer("id", id))
	return nil
}

// CreateCard submits a new card; it shows up once the backend pushes it
func (s *Syncer) CreateCard(ctx context.Context, create CreateRequest) (CreateResult, error) {
	result, err := s.backend.CreateCard(ctx, create)
	if err != nil {
		return CreateResult{}, fmt.Errorf("failed to create card: %w", err)
	}
	s.logger.Info("Card creation requested", zap.String("title", create.Title), zap.String("status", result.Status))
	return result, nil
}
