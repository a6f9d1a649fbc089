package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/negotiation-hub/negotiation-hub/internal/domain/audit"
	"github.com/negotiation-hub/negotiation-hub/internal/domain/negotiation"
)

const (
	defaultTrailLimit = 100
	maxTrailLimit     = 1000
)

// KeyStore resolves audit signing keys.
type KeyStore interface {
	GetKey(ctx context.Context, keyID string) ([]byte, error)
	// SigningKey returns the current key. An empty key id disables signing.
	SigningKey(ctx context.Context) (keyID string, key []byte, err error)
}

// Service records negotiation events as signed audit entries. It is
// registered as a negotiation listener.
type Service struct {
	repo   audit.Repository
	keys   KeyStore
	logger zerolog.Logger
}

// NewService creates an audit service. keys may be nil, in which case
// entries are stored unsigned.
func NewService(repo audit.Repository, keys KeyStore, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		keys:   keys,
		logger: logger.With().Str("service", "audit").Logger(),
	}
}

func (s *Service) OnNegotiationEvent(ctx context.Context, ev negotiation.Event) {
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("negotiation_id", ev.NegotiationID).
			Str("event", string(ev.Type)).
			Msg("failed to create audit entry")
	}
}

// Record stores one entry for ev.
func (s *Service) Record(ctx context.Context, ev negotiation.Event) error {
	entry := audit.NewEntry(ev)
	if s.keys != nil {
		keyID, key, err := s.keys.SigningKey(ctx)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		if keyID != "" {
			if err := audit.Sign(entry, keyID, key); err != nil {
				return fmt.Errorf("failed to sign audit entry: %w", err)
			}
		}
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}
	s.logger.Debug().
		Str("audit_id", entry.ID).
		Str("negotiation_id", entry.NegotiationID).
		Str("event", string(entry.Event)).
		Msg("audit entry created")
	return nil
}

// TrailEntry is an audit entry with the result of its signature check.
type TrailEntry struct {
	*audit.Entry
	Verified bool `json:"verified"`
}

// Trail returns the entries of one negotiation, oldest first, each checked
// against the key it was signed with.
func (s *Service) Trail(ctx context.Context, negotiationID string, limit int) ([]TrailEntry, error) {
	if limit <= 0 {
		limit = defaultTrailLimit
	}
	if limit > maxTrailLimit {
		limit = maxTrailLimit
	}
	entries, err := s.repo.ListByNegotiation(ctx, negotiationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]TrailEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, TrailEntry{Entry: e, Verified: s.verify(ctx, e)})
	}
	return out, nil
}

func (s *Service) verify(ctx context.Context, e *audit.Entry) bool {
	if s.keys == nil || e.KeyID == "" {
		return false
	}
	key, err := s.keys.GetKey(ctx, e.KeyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("audit_id", e.ID).Msg("audit key unavailable")
		return false
	}
	ok, err := audit.Verify(e, key)
	if err != nil {
		return false
	}
	if !ok {
		s.logger.Warn().Str("audit_id", e.ID).Str("negotiation_id", e.NegotiationID).Msg("audit signature mismatch")
	}
	return ok
}
