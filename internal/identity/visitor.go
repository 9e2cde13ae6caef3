package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// StorageKey is the key the visitor id is cached under.
const StorageKey = "visitorId"

// ErrUnresolved is returned by callers that need an identity before one
// has been derived.
var ErrUnresolved = errors.New("visitor identity is not resolved")

// VisitorID is a durable pseudonymous identifier for one device or chat user.
type VisitorID string

// KeyValueStore is durable key-value storage for the cached identifier.
type KeyValueStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Fingerprinter derives a new identifier. It is only called when no cached
// value exists.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// FingerprintFunc adapts a function to Fingerprinter.
type FingerprintFunc func(ctx context.Context) (string, error)

func (f FingerprintFunc) Fingerprint(ctx context.Context) (string, error) {
	return f(ctx)
}

// Service resolves and caches the visitor identity.
type Service struct {
	store KeyValueStore
	fp    Fingerprinter
	key   string

	mu sync.Mutex
	id VisitorID
}

// Option configures a Service.
type Option func(*Service)

// WithKey stores the identity under a custom key, e.g. one per chat user.
func WithKey(key string) Option {
	return func(s *Service) {
		s.key = key
	}
}

// NewService creates an identity service backed by store.
func NewService(store KeyValueStore, fp Fingerprinter, opts ...Option) *Service {
	s := &Service{store: store, fp: fp, key: StorageKey}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VisitorID returns the cached identifier, deriving and persisting a new
// one on first use. Concurrent callers share one derivation. On failure
// the identity stays unresolved and no substitute is returned.
func (s *Service) VisitorID(ctx context.Context) (VisitorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id, nil
	}

	stored, ok, err := s.store.Get(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to read cached visitor id: %w", err)
	}
	if ok && stored != "" {
		s.id = VisitorID(stored)
		log.Debug().Str("key", s.key).Msg("loaded cached visitor id")
		return s.id, nil
	}

	fingerprint, err := s.fp.Fingerprint(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint visitor: %w", err)
	}
	if fingerprint == "" {
		return "", errors.New("fingerprint is empty")
	}

	if err := s.store.Set(s.key, fingerprint); err != nil {
		return "", fmt.Errorf("failed to persist visitor id: %w", err)
	}

	s.id = VisitorID(fingerprint)
	log.Info().Str("key", s.key).Msg("created visitor id")
	return s.id, nil
}

// Current returns the identifier if it has been resolved.
func (s *Service) Current() (VisitorID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != ""
}
