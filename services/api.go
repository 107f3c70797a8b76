package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/CrowderSoup/gym-cards/database"
	"go.uber.org/zap"
)

const (
	pathGetCards     = "/api/get_gym_cards/"
	pathUpdateCard   = "/api/update_gym_card/"
	pathDeleteCard   = "/api/delete_gym_card/"
	pathCreateCard   = "/api/create_gym_card_with_page/"
	pathMarkExpired  = "/api/mark_card_expired/"
	pathPushChannel  = "/ws/gym_cards/"
	maxResponseBytes = 8 * 1024 * 1024
)

var (
	// ErrBackend is returned when the backend answers with an error
	ErrBackend = errors.New("backend error")
	// ErrTransport is returned when a request never got an answer
	ErrTransport = errors.New("backend unreachable")
)

// Create replies from the backend
const (
	CreateWaitingForCard = "waiting_for_card"
	CreateSuccess        = "success"
	CreateError          = "error"
)

type UpdateRequest struct {
	ID       database.CardID `json:"id"`
	Status   database.Status `json:"status"`
	Priority int             `json:"priority"`
	// IsExpired is only sent on activation, to clear the server's flag
	IsExpired *bool `json:"is_expired,omitempty"`
}

type CreateRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	ExpirationDate time.Time `json:"expiration_date"`
	Priority       int       `json:"priority"`
}

func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("%w: title and description are required", database.ErrInvalidCard)
	}
	if r.ExpirationDate.IsZero() {
		return fmt.Errorf("%w: expiration date is required", database.ErrInvalidCard)
	}
	return database.ValidatePriority(r.Priority)
}

type CreateResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// statusReply is the {status, message} envelope most endpoints answer with
type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// APIClient talks to the gym-card backend over HTTP. All requests share a
// cookie jar so session and CSRF cookies are sent like a browser would.
type APIClient struct {
	baseURL *url.URL
	client  *http.Client
	logger  *zap.Logger
}

func NewAPIClient(baseURL, csrfToken string, logger *zap.Logger) (*APIClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if csrfToken != "" {
		jar.SetCookies(u, []*http.Cookie{{Name: csrfCookieName, Value: csrfToken, Path: "/"}})
	}

	return &APIClient{
		baseURL: u,
		client:  &http.Client{Jar: jar},
		logger:  logger.Named("api"),
	}, nil
}

// Jar returns the cookie jar shared with the push channel
func (c *APIClient) Jar() http.CookieJar {
	return c.client.Jar
}

// PushURL derives the push channel endpoint from the backend url
func (c *APIClient) PushURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = pathPushChannel
	u.RawQuery = ""
	return u.String()
}

func (c *APIClient) endpoint(path string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: path}).String()
}

// FetchCards loads the full card snapshot. On any failure it returns an
// empty collection together with the error.
func (c *APIClient) FetchCards(ctx context.Context) ([]database.Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathGetCards), nil)
	if err != nil {
		return []database.Card{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return []database.Card{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return []database.Card{}, fmt.Errorf("%w: failed to read snapshot: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return []database.Card{}, fmt.Errorf("%w: get cards returned %s", ErrBackend, resp.Status)
	}

	cards, err := DecodeSnapshot(body)
	if err != nil {
		return cards, err
	}
	c.logger.Debug("Fetched card snapshot", zap.Int("cards", len(cards)))
	return cards, nil
}

// UpdateCard changes the status and priority of a card
func (c *APIClient) UpdateCard(ctx context.Context, update UpdateRequest) error {
	reply, err := c.postForReply(ctx, pathUpdateCard, update)
	if err != nil {
		return err
	}
	if reply.Status != "success" {
		return fmt.Errorf("%w: update card %d: %s", ErrBackend, update.ID, reply.Message)
	}
	return nil
}

// DeleteCard asks the backend to remove a card
func (c *APIClient) DeleteCard(ctx context.Context, id database.CardID) error {
	resp, err := c.postJSON(ctx, pathDeleteCard, map[string]database.CardID{"id": id})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: delete card %d returned %s", ErrBackend, id, resp.Status)
	}
	return nil
}

// CreateCard submits a new card. The backend answers waiting_for_card
// while it waits for an RFID tag to be presented; the card itself arrives
// later over the push channel.
func (c *APIClient) CreateCard(ctx context.Context, create CreateRequest) (CreateResult, error) {
	if err := create.Validate(); err != nil {
		return CreateResult{}, err
	}

	reply, err := c.postForReply(ctx, pathCreateCard, create)
	if err != nil {
		return CreateResult{}, err
	}
	switch reply.Status {
	case CreateWaitingForCard, CreateSuccess:
		return CreateResult{Status: reply.Status, Message: reply.Message}, nil
	default:
		return CreateResult{}, fmt.Errorf("%w: create card: %s", ErrBackend, reply.Message)
	}
}

// MarkExpired tells the backend a card has expired. The reply is ignored.
func (c *APIClient) MarkExpired(ctx context.Context, id database.CardID) error {
	resp, err := c.postJSON(ctx, pathMarkExpired, map[string]database.CardID{"id": id})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (c *APIClient) postForReply(ctx context.Context, path string, body any) (statusReply, error) {
	resp, err := c.postJSON(ctx, path, body)
	if err != nil {
		return statusReply{}, err
	}
	defer resp.Body.Close()

	var reply statusReply
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reply)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && reply.Message != "" {
			return reply, fmt.Errorf("%w: %s returned %s: %s", ErrBackend, path, resp.Status, reply.Message)
		}
		return reply, fmt.Errorf("%w: %s returned %s", ErrBackend, path, resp.Status)
	}
	if decodeErr != nil {
		return reply, fmt.Errorf("%w: failed to decode %s reply: %w", ErrBackend, path, decodeErr)
	}
	return reply, nil
}

func (c *APIClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeaderName, c.csrfToken())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, path, err)
	}
	return resp, nil
}
