// Package pushsub derives Web Push subscriptions the way a browser push
// manager does: a unique endpoint, a P-256 ECDH key pair and an auth secret,
// bound to the application server (VAPID) key.
package pushsub

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

var ErrInvalidServerKey = errors.New("pushsub: invalid application server key")

// Keys holds the base64url encoded client keys of a subscription.
type Keys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is serialised exactly like PushSubscription.toJSON().
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

type Manager struct {
	service string

	mu      sync.Mutex
	current *Subscription
	private *ecdh.PrivateKey
}

// NewManager issues endpoints under the push service base URL.
func NewManager(service string) *Manager {
	return &Manager{service: strings.TrimRight(service, "/")}
}

// Subscribe creates a new subscription for the given application server
// key, replacing any previous one. The key must be an uncompressed P-256
// point in base64url.
func (m *Manager) Subscribe(_ context.Context, applicationServerKey string) (Subscription, error) {
	raw, err := decodeKey(applicationServerKey)
	if err != nil {
		return Subscription{}, err
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrInvalidServerKey, err)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Subscription{}, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return Subscription{}, err
	}

	sub := Subscription{
		Endpoint: m.service + "/" + ulid.Make().String(),
		Keys: Keys{
			P256DH: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}

	m.mu.Lock()
	m.current = &sub
	m.private = priv
	m.mu.Unlock()
	return sub, nil
}

// Current returns the active subscription, if any.
func (m *Manager) Current() (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Subscription{}, false
	}
	return *m.current, true
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, ErrInvalidServerKey
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerKey, err)
	}
	return b, nil
}
