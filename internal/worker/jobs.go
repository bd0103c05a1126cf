package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mbd888/tokengate/internal/bus"
	"github.com/mbd888/tokengate/internal/provider"
)

// Job kinds on the inbound queue.
const (
	JobChat          = "chat"
	JobEmbedding     = "embedding"
	JobTranscription = "transcription"
)

// Job is the inbound queue payload.
type Job struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Chat fields
	Messages  []provider.ChatMessage `json:"messages,omitempty"`
	MaxTokens int                    `json:"max_tokens,omitempty"`
	JSONMode  bool                   `json:"json_mode,omitempty"`

	// Embedding fields
	Input []string `json:"input,omitempty"`

	// Transcription fields; audio is base64 in the JSON encoding.
	Filename string `json:"filename,omitempty"`
	Audio    []byte `json:"audio,omitempty"`
}

// Result is the outbound queue payload.
type Result struct {
	JobID string `json:"job_id"`
	Type  string `json:"type"`

	Content    string          `json:"content,omitempty"`
	Embeddings [][]float64     `json:"embeddings,omitempty"`
	Text       string          `json:"text,omitempty"`
	Usage      *provider.Usage `json:"usage,omitempty"`
}

// Gateway is the provider surface jobs run against.
type Gateway interface {
	ChatCompletion(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error)
	Embeddings(ctx context.Context, req provider.EmbeddingRequest) (*provider.EmbeddingResponse, error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*provider.Transcription, error)
}

// JobProcessor decodes jobs and dispatches them to the gated provider.
type JobProcessor struct {
	gw Gateway
}

// NewJobProcessor creates a processor over the gated provider service.
func NewJobProcessor(gw Gateway) *JobProcessor {
	return &JobProcessor{gw: gw}
}

// Process handles one delivery. Malformed payloads are dropped;
// exhausted quota retries are abandoned so the job survives the window.
func (p *JobProcessor) Process(ctx context.Context, msg bus.Message) ([]byte, error) {
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDrop, err)
	}

	var (
		result Result
		err    error
	)
	result.JobID = job.ID
	result.Type = job.Type

	switch job.Type {
	case JobChat:
		err = p.chat(ctx, &job, &result)
	case JobEmbedding:
		err = p.embed(ctx, &job, &result)
	case JobTranscription:
		err = p.transcribe(ctx, &job, &result)
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrDrop, job.Type)
	}
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result for job %s: %w", job.ID, err)
	}
	return payload, nil
}

func (p *JobProcessor) chat(ctx context.Context, job *Job, result *Result) error {
	if len(job.Messages) == 0 {
		return fmt.Errorf("%w: chat job %s has no messages", ErrDrop, job.ID)
	}

	req := provider.ChatRequest{Messages: job.Messages, MaxTokens: job.MaxTokens}
	if job.JSONMode {
		req.ResponseFormat = &provider.ResponseFormat{Type: "json_object"}
	}

	resp, err := p.gw.ChatCompletion(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
	}
	result.Usage = &resp.Usage
	return nil
}

func (p *JobProcessor) embed(ctx context.Context, job *Job, result *Result) error {
	if len(job.Input) == 0 {
		return fmt.Errorf("%w: embedding job %s has no input", ErrDrop, job.ID)
	}

	resp, err := p.gw.Embeddings(ctx, provider.EmbeddingRequest{Input: job.Input})
	if err != nil {
		return err
	}
	result.Embeddings = make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(result.Embeddings) {
			result.Embeddings[d.Index] = d.Embedding
		}
	}
	result.Usage = &resp.Usage
	return nil
}

func (p *JobProcessor) transcribe(ctx context.Context, job *Job, result *Result) error {
	if len(job.Audio) == 0 {
		return fmt.Errorf("%w: transcription job %s has no audio", ErrDrop, job.ID)
	}

	tr, err := p.gw.Transcribe(ctx, job.Filename, bytes.NewReader(job.Audio))
	if err != nil {
		return err
	}
	result.Text = tr.Text
	return nil
}
