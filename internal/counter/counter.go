// Package counter exposes the quota arbitration service over HTTP. It
// composes the completion and embedding token+request budgets as two
// atomic pairs, plus a requests-only budget for audio transcription,
// and arbitrates reservations across worker processes.
package counter

import (
	"log/slog"

	"github.com/mbd888/tokengate/internal/budget"
	"github.com/mbd888/tokengate/internal/config"
)

// Budget kind labels, used for metrics and handle prefixes.
const (
	KindCompletionTokens   = "completion_tokens"
	KindCompletionRequests = "completion_requests"
	KindEmbeddingTokens    = "embedding_tokens"
	KindEmbeddingRequests  = "embedding_requests"
	KindWhisperRequests    = "whisper_requests"
)

// Service owns the budget family. Budgets are exclusively owned by this
// process; clients hold only handles. Nothing is persisted: a restart
// resets every budget to empty at the new minute boundary.
type Service struct {
	completion *budget.Pair
	embedding  *budget.Pair
	whisper    *budget.Budget
	logger     *slog.Logger
}

// NewService builds the budget family from configured limits.
func NewService(cfg *config.Config, logger *slog.Logger, opts ...budget.Option) *Service {
	return &Service{
		completion: budget.NewPair(
			budget.New(KindCompletionTokens, "tok_", cfg.CompletionTokensPerMinute, opts...),
			budget.New(KindCompletionRequests, "req_", cfg.CompletionReqsPerMinute, opts...),
		),
		embedding: budget.NewPair(
			budget.New(KindEmbeddingTokens, "etok_", cfg.EmbeddingTokensPerMinute, opts...),
			budget.New(KindEmbeddingRequests, "ereq_", cfg.EmbeddingReqsPerMinute, opts...),
		),
		whisper: budget.New(KindWhisperRequests, "wreq_", cfg.WhisperReqsPerMinute, opts...),
		logger:  logger,
	}
}

// Completion returns the completion token+request pair.
func (s *Service) Completion() *budget.Pair { return s.completion }

// Embedding returns the embedding token+request pair.
func (s *Service) Embedding() *budget.Pair { return s.embedding }

// Whisper returns the transcription requests-only budget.
func (s *Service) Whisper() *budget.Budget { return s.whisper }
