package services

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024 // 1MB

	handshakeTimeout = 10 * time.Second
)

// Subscription is one live connection to the push channel
type Subscription interface {
	// Next blocks until the next message arrives or the connection drops
	Next() ([]byte, error)
	Close() error
}

// PushClient dials the backend's push channel
type PushClient struct {
	url    string
	jar    http.CookieJar
	logger *zap.Logger
}

func NewPushClient(url string, jar http.CookieJar, logger *zap.Logger) *PushClient {
	return &PushClient{
		url:    url,
		jar:    jar,
		logger: logger.Named("push"),
	}
}

// Subscribe opens a new push connection
func (p *PushClient) Subscribe(ctx context.Context) (Subscription, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Jar:              p.jar,
	}

	conn, resp, err := dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s returned %s", ErrTransport, p.url, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, p.url, err)
	}

	p.logger.Info("Push channel connected", zap.String("url", p.url))
	return newPushSubscription(conn, p.logger), nil
}

type pushSubscription struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func newPushSubscription(conn *websocket.Conn, logger *zap.Logger) *pushSubscription {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s := &pushSubscription{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.pingPump()
	return s
}

func (s *pushSubscription) Next() ([]byte, error) {
	_, message, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Warn("Push channel error", zap.Error(err))
		}
		return nil, err
	}
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return message, nil
}

// pingPump keeps the connection alive; pongs extend the read deadline
func (s *pushSubscription) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *pushSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}
