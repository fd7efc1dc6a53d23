package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qms/virtual-queue/internal/feed"
	"qms/virtual-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SockJS close codes the server uses for rejected sessions.
const (
	closeMissingSession = 4001
	closeInvalidSession = 4002
)

type SubscriberOptions struct {
	Dialer  *websocket.Dialer
	BackOff func() backoff.BackOff
	Logger  *zap.Logger
}

// Subscriber holds one SockJS websocket to the change feed and reconnects it with
// exponential backoff.
type Subscriber struct {
	baseURL   string
	session   string
	subscribe []feed.SubscribeMessage
	dialer    *websocket.Dialer
	backOff   func() backoff.BackOff
	logger    *zap.Logger
}

// Handlers receive feed events. Connected runs after every (re)connect, before any
// change is delivered, so callers can resync state missed while disconnected.
type Handlers struct {
	Connected func(ctx context.Context)
	Change    func(ctx context.Context, change store.Change)
}

type closedError struct {
	code   int
	reason string
}

func (e *closedError) Error() string {
	return fmt.Sprintf("feed closed: %d %s", e.code, e.reason)
}

func NewSubscriber(baseURL, session string, subscribe []feed.SubscribeMessage, options SubscriberOptions) *Subscriber {
	dialer := options.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	newBackOff := options.BackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		baseURL:   strings.TrimRight(baseURL, "/"),
		session:   session,
		subscribe: subscribe,
		dialer:    dialer,
		backOff:   newBackOff,
		logger:    logger,
	}
}

// Run keeps the feed connected until ctx ends or the server rejects the session.
func (s *Subscriber) Run(ctx context.Context, handlers Handlers) error {
	b := s.backOff()
	for {
		connected, err := s.runOnce(ctx, handlers)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var closed *closedError
		if errors.As(err, &closed) && (closed.code == closeMissingSession || closed.code == closeInvalidSession) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, closed.reason)
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		s.logger.Warn("feed disconnected", zap.Error(err), zap.Duration("retry_in", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, handlers Handlers) (bool, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if s.session != "" {
		header.Set("Authorization", "Bearer "+s.session)
	}
	conn, _, err := s.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	first, err := nextFrame(conn)
	if err != nil {
		return false, err
	}
	switch first.kind {
	case frameOpen:
	case frameClose:
		return false, &closedError{code: first.code, reason: first.reason}
	default:
		return false, fmt.Errorf("unexpected first frame %q", first.kind)
	}

	for _, msg := range s.subscribe {
		if err := writeMessage(conn, msg); err != nil {
			// the read below reports why the server went away
			s.logger.Debug("write subscribe failed", zap.Error(err))
			break
		}
	}
	s.logger.Debug("feed connected", zap.String("endpoint", endpoint))
	if handlers.Connected != nil {
		handlers.Connected(ctx)
	}

	for {
		frame, err := nextFrame(conn)
		if err != nil {
			return true, err
		}
		switch frame.kind {
		case frameHeartbeat:
		case frameClose:
			return true, &closedError{code: frame.code, reason: frame.reason}
		case frameMessages:
			for _, msg := range frame.messages {
				change, err := feed.Decode([]byte(msg))
				if err != nil {
					s.logger.Debug("skip undecodable change", zap.Error(err))
					continue
				}
				if handlers.Change != nil {
					handlers.Change(ctx, change)
				}
			}
		}
	}
}

// endpoint builds the raw SockJS websocket url: /realtime/{server}/{session}/websocket.
func (s *Subscriber) endpoint() (string, error) {
	parsed, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	server := fmt.Sprintf("%03d", rand.IntN(1000))
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/realtime/" + server + "/" + strings.ReplaceAll(uuid.NewString(), "-", "") + "/websocket"
	return parsed.String(), nil
}

const (
	frameOpen      = "o"
	frameHeartbeat = "h"
	frameMessages  = "a"
	frameClose     = "c"
)

type sockjsFrame struct {
	kind     string
	messages []string
	code     int
	reason   string
}

func nextFrame(conn *websocket.Conn) (sockjsFrame, error) {
	kind, data, err := readFrame(conn)
	if err != nil {
		return sockjsFrame{}, err
	}
	return parseFrame(kind, data)
}

func readFrame(conn *websocket.Conn) (string, []byte, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	if len(data) == 0 {
		return "", nil, errors.New("empty sockjs frame")
	}
	return string(data[:1]), data[1:], nil
}

func parseFrame(kind string, body []byte) (sockjsFrame, error) {
	frame := sockjsFrame{kind: kind}
	switch kind {
	case frameOpen, frameHeartbeat:
		return frame, nil
	case frameMessages:
		if err := json.Unmarshal(body, &frame.messages); err != nil {
			return frame, fmt.Errorf("decode message frame: %w", err)
		}
		return frame, nil
	case frameClose:
		var parts []json.RawMessage
		if err := json.Unmarshal(body, &parts); err != nil || len(parts) == 0 {
			return frame, fmt.Errorf("decode close frame: %q", body)
		}
		_ = json.Unmarshal(parts[0], &frame.code)
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &frame.reason)
		}
		return frame, nil
	default:
		return frame, fmt.Errorf("unknown sockjs frame %q", kind)
	}
}

func writeMessage(conn *websocket.Conn, msg interface{}) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	framed, err := json.Marshal([]string{string(encoded)})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, framed)
}
