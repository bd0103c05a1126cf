package provider

import (
	"context"
	"io"
	"log/slog"

	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/quotaclient"
	"github.com/mbd888/tokengate/internal/traces"
)

// API is the surface the raw client offers the gated service. Tests
// substitute a fake.
type API interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*Transcription, error)
}

// Quota is the counter surface the gated service needs.
type Quota interface {
	Lock(ctx context.Context, group quotaclient.Group, tokens int) (*quotaclient.Reservation, error)
	Report(ctx context.Context, group quotaclient.Group, res *quotaclient.Reservation, promptTokens, completionTokens int) error
	Release(ctx context.Context, group quotaclient.Group, res *quotaclient.Reservation) error
}

// Service gates every provider call behind a counter reservation:
// estimate, lock, call, then report the provider's authoritative usage
// or release the hold on failure. Quota denials are waited out by the
// group's backoff coordinator; every other failure surfaces at once.
type Service struct {
	api    API
	quota  Quota
	est    *Estimator
	logger *slog.Logger

	chatCo    *quotaclient.Coordinator
	embedCo   *quotaclient.Coordinator
	whisperCo *quotaclient.Coordinator
}

// ServiceOption configures the gated service
type ServiceOption func(*Service)

// WithServiceLogger sets a custom logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithCoordinators replaces the per-group backoff coordinators
func WithCoordinators(chat, embed, whisper *quotaclient.Coordinator) ServiceOption {
	return func(s *Service) {
		s.chatCo = chat
		s.embedCo = embed
		s.whisperCo = whisper
	}
}

// NewService wires the raw client to the counter.
func NewService(api API, counter *quotaclient.Client, est *Estimator, opts ...ServiceOption) *Service {
	s := &Service{
		api:       api,
		quota:     counter,
		est:       est,
		chatCo:    quotaclient.NewCoordinator(counter, quotaclient.Completion),
		embedCo:   quotaclient.NewCoordinator(counter, quotaclient.Embedding),
		whisperCo: quotaclient.NewCoordinator(counter, quotaclient.Transcription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New("info", "json")
	}
	return s
}

// ChatCompletion runs a quota-gated chat call. The reservation is an
// estimate; the report carries what the provider actually billed.
func (s *Service) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	estimate := s.est.EstimateChat(req.Messages, req.MaxTokens, req.ResponseFormat != nil)

	ctx, span := traces.StartSpan(ctx, "provider.chat", traces.Amount(estimate))
	defer span.End()

	var out *ChatResponse
	err := s.chatCo.Run(ctx, func(ctx context.Context) error {
		res, err := s.quota.Lock(ctx, quotaclient.Completion, estimate)
		if err != nil {
			return err
		}

		resp, err := s.api.ChatCompletion(ctx, req)
		if err != nil {
			s.release(ctx, quotaclient.Completion, res)
			return err
		}

		s.report(ctx, quotaclient.Completion, res, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Embeddings runs a quota-gated embeddings call.
func (s *Service) Embeddings(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	estimate := s.est.EstimateEmbedding(req.Input)

	ctx, span := traces.StartSpan(ctx, "provider.embeddings", traces.Amount(estimate))
	defer span.End()

	var out *EmbeddingResponse
	err := s.embedCo.Run(ctx, func(ctx context.Context) error {
		res, err := s.quota.Lock(ctx, quotaclient.Embedding, estimate)
		if err != nil {
			return err
		}

		resp, err := s.api.Embeddings(ctx, req)
		if err != nil {
			s.release(ctx, quotaclient.Embedding, res)
			return err
		}

		s.report(ctx, quotaclient.Embedding, res, resp.Usage.PromptTokens, 0)
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transcribe runs a quota-gated whisper call. The transcription pool
// counts files, not tokens.
func (s *Service) Transcribe(ctx context.Context, filename string, audio io.Reader) (*Transcription, error) {
	ctx, span := traces.StartSpan(ctx, "provider.transcribe")
	defer span.End()

	var out *Transcription
	err := s.whisperCo.Run(ctx, func(ctx context.Context) error {
		res, err := s.quota.Lock(ctx, quotaclient.Transcription, 1)
		if err != nil {
			return err
		}

		t, err := s.api.Transcribe(ctx, filename, audio)
		if err != nil {
			s.release(ctx, quotaclient.Transcription, res)
			return err
		}

		s.report(ctx, quotaclient.Transcription, res, 0, 0)
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// release returns a hold after a failed call. A failed release only
// costs capacity until the window rolls, so it is logged and dropped.
func (s *Service) release(ctx context.Context, group quotaclient.Group, res *quotaclient.Reservation) {
	if err := s.quota.Release(ctx, group, res); err != nil {
		s.logger.WarnContext(ctx, "release failed, hold expires at window roll",
			"group", group, "handle", res.Handle, "error", err)
	}
}

// report settles a hold with actual usage. The provider call already
// happened, so a failed report must not fail the operation.
func (s *Service) report(ctx context.Context, group quotaclient.Group, res *quotaclient.Reservation, prompt, completion int) {
	if err := s.quota.Report(ctx, group, res, prompt, completion); err != nil {
		s.logger.WarnContext(ctx, "usage report failed",
			"group", group, "handle", res.Handle, "error", err)
	}
}
