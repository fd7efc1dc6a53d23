package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	KindFiveMinutes = "five_minutes"
	KindYourTurn    = "your_turn"
)

// Alert is one advisory trigger for a ticket. It is a local estimate and can disagree
// with the real call.
type Alert struct {
	Kind     string    `json:"kind"`
	TicketID string    `json:"ticket_id"`
	PlaceID  string    `json:"place_id"`
	UserID   string    `json:"user_id"`
	Token    string    `json:"token"`
	Due      time.Time `json:"due"`
	FiredAt  time.Time `json:"fired_at"`
}

func (a Alert) Message() string {
	switch a.Kind {
	case KindFiveMinutes:
		return fmt.Sprintf("Ticket %s: about 5 minutes left", a.Token)
	case KindYourTurn:
		return fmt.Sprintf("Ticket %s: it should be your turn now", a.Token)
	default:
		return fmt.Sprintf("Ticket %s: %s", a.Token, a.Kind)
	}
}

type Transport interface {
	Send(ctx context.Context, alert Alert) error
}

type TransportConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
}

func NewTransport(cfg TransportConfig, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Kind {
	case "", "log":
		return logTransport{logger: logger}
	case "noop":
		return noopTransport{}
	case "fail":
		return failTransport{}
	case "webhook":
		if cfg.WebhookURL == "" {
			return logTransport{logger: logger}
		}
		return newWebhookTransport(cfg.WebhookURL, cfg.WebhookToken)
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return newWebhookTransport(cfg.Kind, cfg.WebhookToken)
		}
		return logTransport{logger: logger}
	}
}

type logTransport struct {
	logger *zap.Logger
}

func (t logTransport) Send(ctx context.Context, alert Alert) error {
	t.logger.Info(alert.Message(),
		zap.String("kind", alert.Kind),
		zap.String("ticket_id", alert.TicketID),
		zap.Time("due", alert.Due),
	)
	return nil
}

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, alert Alert) error {
	return nil
}

type failTransport struct{}

func (failTransport) Send(ctx context.Context, alert Alert) error {
	return errors.New("transport failure")
}

type webhookTransport struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookTransport(url, token string) webhookTransport {
	return webhookTransport{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (t webhookTransport) Send(ctx context.Context, alert Alert) error {
	payload := struct {
		Alert
		Message string `json:"message"`
	}{Alert: alert, Message: alert.Message()}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected alert: status %d", resp.StatusCode)
	}
	return nil
}
