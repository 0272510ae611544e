// Package webhook delivers payment events to the merchant over HTTP. Every
// body is signed with HMAC-SHA256 so receivers can authenticate it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/RogueTeam/ltcsweep/decimal"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/gabstv/httpdigest"
	"github.com/google/uuid"
)

const (
	EventCompleted  = "payment.completed"
	SignatureHeader = "X-Signature"
	EventHeader     = "X-Event"
	DefaultTimeout  = 10 * time.Second
)

var ErrDelivery = errors.New("webhook delivery failed")

type Config struct {
	// Endpoint receiving the events. Empty disables the notifier
	URL string
	// HMAC key signing every body
	Secret []byte
	// Optional HTTP digest credentials
	Username string
	Password string
	// Per request timeout. Defaults to DefaultTimeout
	Timeout time.Duration
	// Defaults to slog.Default()
	Logger *slog.Logger
}

type (
	Payment struct {
		Id        uuid.UUID       `json:"id"`
		Address   string          `json:"address"`
		Amount    decimal.Decimal `json:"amount"`
		Status    payments.Status `json:"status"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
		ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	}
	Event struct {
		Event   string  `json:"event"`
		Payment Payment `json:"payment"`
	}
)

// PaymentView drops the sealed key of p
func PaymentView(p payments.Payment) (view Payment) {
	view = Payment{
		Id:        p.Id,
		Address:   p.Address,
		Amount:    decimal.FromUint64(p.Amount),
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if !p.ExpiresAt.IsZero() {
		expiresAt := p.ExpiresAt
		view.ExpiresAt = &expiresAt
	}
	return view
}

// Sign returns the hex HMAC-SHA256 of body
func Sign(secret, body []byte) (signature string) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature in constant time
func Verify(secret, body []byte, signature string) (valid bool) {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

type Notifier struct {
	url    string
	secret []byte
	client *http.Client
	logger *slog.Logger
}

func New(config Config) (n *Notifier) {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	n = &Notifier{
		url:    config.URL,
		secret: config.Secret,
		client: &http.Client{Timeout: config.Timeout},
		logger: config.Logger.With("component", "webhook"),
	}
	if config.Username != "" {
		n.client.Transport = httpdigest.New(config.Username, config.Password)
	}
	return n
}

// Enabled reports if events are delivered at all
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// Notify posts a payment.completed event. Non 2xx answers are errors
func (n *Notifier) Notify(ctx context.Context, payment payments.Payment) (err error) {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(Event{Event: EventCompleted, Payment: PaymentView(payment)})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	// Digest auth sends the request again after the challenge
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, EventCompleted)
	req.Header.Set(SignatureHeader, Sign(n.secret, body))

	res, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %s", ErrDelivery, res.Status)
	}
	n.logger.Info("event delivered", "payment", payment.Id, "event", EventCompleted)
	return nil
}
