package webhook_test

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/RogueTeam/ltcsweep/random"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/RogueTeam/ltcsweep/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type received struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu       sync.Mutex
	status   int
	requests []received
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, received{header: req.Header.Clone(), body: body})
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) Requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.requests...)
}

const (
	digestRealm = "webhooks"
	digestNonce = "dcd98b7102dd2f0e8b11d0f600bfb0c093"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func digestParams(header string) (params map[string]string) {
	params = map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "Digest "), ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if found {
			params[key] = strings.Trim(value, `"`)
		}
	}
	return params
}

// digestReceiver answers 401 with a digest challenge until the request carries
// a valid MD5 response for username and password
type digestReceiver struct {
	receiver
	username   string
	password   string
	challenges int
}

func (d *digestReceiver) authorized(req *http.Request) bool {
	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Digest ") {
		return false
	}
	params := digestParams(header)
	if params["username"] != d.username || params["nonce"] != digestNonce {
		return false
	}

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", d.username, params["realm"], d.password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", req.Method, params["uri"]))
	expected := md5Hex(fmt.Sprintf("%s:%s:%s", ha1, digestNonce, ha2))
	if params["qop"] != "" {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, digestNonce, params["nc"], params["cnonce"], params["qop"], ha2))
	}
	return params["response"] == expected
}

func (d *digestReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !d.authorized(req) {
		io.Copy(io.Discard, req.Body)
		d.mu.Lock()
		d.challenges++
		d.mu.Unlock()
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Digest qop="auth",algorithm=MD5,realm="%s",nonce="%s",stale=false`, digestRealm, digestNonce))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	d.receiver.ServeHTTP(w, req)
}

func (d *digestReceiver) Challenges() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.challenges
}

func completedPayment() payments.Payment {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return payments.Payment{
		Id:           uuid.New(),
		Address:      "ltc1qw508d6qejxtdg4y5r3zarvary0c5xw7kgmn4n9",
		EncryptedKey: random.Hash(random.PseudoRand),
		Amount:       1_000_000,
		Status:       payments.StatusCompleted,
		CreatedAt:    now,
		UpdatedAt:    now.Add(time.Minute),
		ExpiresAt:    now.Add(time.Hour),
	}
}

func Test_Notify(t *testing.T) {
	t.Run("Succeed", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		handler := &receiver{}
		server := httptest.NewServer(handler)
		defer server.Close()

		secret := random.Bytes(random.CryptoRand(), 32)
		notifier := webhook.New(webhook.Config{URL: server.URL, Secret: secret})
		assertions.True(notifier.Enabled())

		payment := completedPayment()
		err := notifier.Notify(ctx, payment)
		assertions.Nil(err, "failed to notify")

		requests := handler.Requests()
		if !assertions.Len(requests, 1) {
			return
		}
		req := requests[0]
		assertions.Equal("application/json", req.header.Get("Content-Type"))
		assertions.Equal(webhook.EventCompleted, req.header.Get(webhook.EventHeader))
		assertions.True(webhook.Verify(secret, req.body, req.header.Get(webhook.SignatureHeader)), "invalid signature")
		assertions.Equal(webhook.Sign(secret, req.body), req.header.Get(webhook.SignatureHeader))

		var event map[string]any
		err = json.Unmarshal(req.body, &event)
		assertions.Nil(err, "failed to unmarshal body")
		assertions.Equal(webhook.EventCompleted, event["event"])
		view, ok := event["payment"].(map[string]any)
		if !assertions.True(ok, "missing payment") {
			return
		}
		assertions.Equal(payment.Id.String(), view["id"])
		assertions.Equal(payment.Address, view["address"])
		assertions.Equal("0.01000000", view["amount"])
		assertions.Equal("completed", view["status"])
		assertions.Equal("2024-01-01T01:00:00Z", view["expires_at"])
		assertions.NotContains(string(req.body), payment.EncryptedKey, "sealed key leaked")
	})
	t.Run("Digest auth", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		handler := &digestReceiver{username: "shop", password: "hunter2"}
		server := httptest.NewServer(handler)
		defer server.Close()

		secret := []byte("secret")
		notifier := webhook.New(webhook.Config{
			URL:      server.URL + "/hooks/ltc",
			Secret:   secret,
			Username: "shop",
			Password: "hunter2",
		})

		payment := completedPayment()
		err := notifier.Notify(ctx, payment)
		assertions.Nil(err, "failed to notify")
		assertions.Equal(1, handler.Challenges(), "first request should be challenged")

		requests := handler.Requests()
		if !assertions.Len(requests, 1) {
			return
		}
		req := requests[0]
		assertions.NotEmpty(req.body, "body lost after the challenge")
		assertions.True(webhook.Verify(secret, req.body, req.header.Get(webhook.SignatureHeader)), "invalid signature")

		var event webhook.Event
		err = json.Unmarshal(req.body, &event)
		assertions.Nil(err, "failed to unmarshal body")
		assertions.Equal(payment.Id, event.Payment.Id)
	})
	t.Run("Digest auth rejected", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		handler := &digestReceiver{username: "shop", password: "hunter2"}
		server := httptest.NewServer(handler)
		defer server.Close()

		notifier := webhook.New(webhook.Config{URL: server.URL, Secret: []byte("secret"), Username: "shop", Password: "wrong"})
		err := notifier.Notify(ctx, completedPayment())
		assertions.ErrorIs(err, webhook.ErrDelivery)
		assertions.Empty(handler.Requests())
	})
	t.Run("Rejected", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		handler := &receiver{status: http.StatusInternalServerError}
		server := httptest.NewServer(handler)
		defer server.Close()

		notifier := webhook.New(webhook.Config{URL: server.URL, Secret: []byte("secret")})
		err := notifier.Notify(ctx, completedPayment())
		assertions.ErrorIs(err, webhook.ErrDelivery)
	})
	t.Run("Unreachable", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		server := httptest.NewServer(&receiver{})
		url := server.URL
		server.Close()

		notifier := webhook.New(webhook.Config{URL: url, Secret: []byte("secret"), Timeout: time.Second})
		err := notifier.Notify(ctx, completedPayment())
		assertions.ErrorIs(err, webhook.ErrDelivery)
	})
	t.Run("Disabled", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		notifier := webhook.New(webhook.Config{})
		assertions.False(notifier.Enabled())
		assertions.Nil(notifier.Notify(ctx, completedPayment()))
	})
}

func Test_Signature(t *testing.T) {
	assertions := assert.New(t)

	secret := []byte("key")
	body := []byte("The quick brown fox jumps over the lazy dog")
	// Well known HMAC-SHA256 vector
	assertions.Equal("f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", webhook.Sign(secret, body))

	signature := webhook.Sign(secret, body)
	assertions.True(webhook.Verify(secret, body, signature))
	assertions.False(webhook.Verify([]byte("other"), body, signature))
	assertions.False(webhook.Verify(secret, append(body, '.'), signature))
	assertions.False(webhook.Verify(secret, body, "not hex"))
}
