package service

import (
	"context"
	"time"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"go.uber.org/zap"
)

// TurnStore is the session side of Tier B.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn *domain.ConversationTurn) error
	Turns(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error)
	EvictTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecentResponses(ctx context.Context, sessionID string, n int) ([]string, error)
	RememberResponse(ctx context.Context, sessionID, text string, keep int, ttl time.Duration) error
}

type ConversationConfig struct {
	Retention   time.Duration
	HistorySize int
	HistoryTTL  time.Duration
}

// ConversationService appends and reads session turns. Appends for one
// session are serialised by the store.
type ConversationService struct {
	store   TurnStore
	cfg     ConversationConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewConversationService(store TurnStore, cfg ConversationConfig, mt *metrics.Metrics, logger *zap.Logger) *ConversationService {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 30 * time.Minute
	}
	return &ConversationService{
		store:   store,
		cfg:     cfg,
		metrics: mt,
		logger:  logger.With(zap.String("component", "conversation")),
		now:     time.Now,
	}
}

// Append adds a turn and returns it with its sequence number.
func (s *ConversationService) Append(ctx context.Context, sessionID string, role domain.Role, content string) (*domain.ConversationTurn, error) {
	turn := &domain.ConversationTurn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// History returns the latest limit turns of a session, oldest first.
// limit <= 0 returns all of them.
func (s *ConversationService) History(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error) {
	if sessionID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "session id is required")
	}
	return s.store.Turns(ctx, sessionID, limit)
}

// RecentResponses implements ResponseHistory.
func (s *ConversationService) RecentResponses(ctx context.Context, sessionID string, n int) ([]string, error) {
	return s.store.RecentResponses(ctx, sessionID, n)
}

// Remember records an accepted response for duplicate detection.
func (s *ConversationService) Remember(ctx context.Context, sessionID, text string) error {
	return s.store.RememberResponse(ctx, sessionID, text, s.cfg.HistorySize, s.cfg.HistoryTTL)
}

// Sweep evicts turns older than the retention window. It is a no-op
// when retention is not configured.
func (s *ConversationService) Sweep(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.EvictTurnsBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	s.metrics.TurnsEvicted(n)
	if n > 0 {
		s.logger.Info("evicted conversation turns", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
