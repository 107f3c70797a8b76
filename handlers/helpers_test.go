package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CrowderSoup/gym-cards/database"
	"github.com/CrowderSoup/gym-cards/services"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubBackend struct {
	mu       sync.Mutex
	cards    []database.Card
	updates  []services.UpdateRequest
	deletes  []database.CardID
	creates  []services.CreateRequest
	failWith error
}

func (b *stubBackend) FetchCards(ctx context.Context) ([]database.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]database.Card{}, b.cards...), nil
}

func (b *stubBackend) UpdateCard(ctx context.Context, update services.UpdateRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.updates = append(b.updates, update)
	return nil
}

func (b *stubBackend) DeleteCard(ctx context.Context, id database.CardID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.deletes = append(b.deletes, id)
	return nil
}

func (b *stubBackend) CreateCard(ctx context.Context, create services.CreateRequest) (services.CreateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return services.CreateResult{}, b.failWith
	}
	b.creates = append(b.creates, create)
	return services.CreateResult{Status: services.CreateWaitingForCard, Message: "Present the card"}, nil
}

func (b *stubBackend) MarkExpired(ctx context.Context, id database.CardID) error {
	return nil
}

// idlePush hands out subscriptions that stay silent until closed
type idlePush struct{}

func (idlePush) Subscribe(ctx context.Context) (services.Subscription, error) {
	return &idleSubscription{closed: make(chan struct{})}, nil
}

type idleSubscription struct {
	closed chan struct{}
	once   sync.Once
}

func (s *idleSubscription) Next() ([]byte, error) {
	<-s.closed
	return nil, errors.New("closed")
}

func (s *idleSubscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testServer struct {
	server  *httptest.Server
	backend *stubBackend
	syncer  *services.Syncer
	hub     *services.Hub
	prefs   *database.PreferenceService
	stop    context.CancelFunc
}

func newTestServer(t *testing.T, backend *stubBackend, authService *services.AuthService, options ...func(*CardHandler)) *testServer {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.InitDB(filepath.Join(t.TempDir(), "prefs.db"), logger)
	require.NoError(t, err, "preferences database should open")
	t.Cleanup(func() { db.Close() })
	prefs := database.NewPreferenceService(db)

	ctx, cancel := context.WithCancel(context.Background())
	hub := services.NewHub(logger)
	go hub.Run(ctx)

	syncer := services.NewSyncer(backend, idlePush{}, hub, services.SyncOptions{TickInterval: time.Hour}, logger)
	syncDone := make(chan struct{})
	go func() {
		syncer.Run(ctx)
		close(syncDone)
	}()

	r := mux.NewRouter()
	r.Use(RequestLogger(logger))
	cardHandler := NewCardHandler(syncer, prefs, hub, logger)
	for _, option := range options {
		option(cardHandler)
	}
	Routes(r,
		cardHandler,
		NewPreferenceHandler(prefs, logger),
		NewAuthMiddleware(authService),
	)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-syncDone
	})

	ts := &testServer{server: server, backend: backend, syncer: syncer, hub: hub, prefs: prefs, stop: cancel}
	if len(backend.cards) > 0 {
		require.Eventually(t, func() bool {
			cards, err := syncer.Cards(context.Background())
			return err == nil && len(cards) == len(backend.cards)
		}, 2*time.Second, 5*time.Millisecond, "snapshot should load")
	}
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) (int, string) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s", method, path)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(payload)
}
