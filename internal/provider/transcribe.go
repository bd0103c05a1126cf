package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	"github.com/mbd888/tokengate/internal/metrics"
	"github.com/mbd888/tokengate/internal/retry"
)

// Transcription is the whisper result.
type Transcription struct {
	Text string `json:"text"`
}

// Transcribe uploads an audio file to the whisper deployment. The
// audio is buffered once so retries can resend it.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (*Transcription, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	const operation = "transcription"
	if !c.breaker.Allow(operation) {
		return nil, fmt.Errorf("provider circuit open for %s", operation)
	}

	var out Transcription
	start := time.Now()
	err = retry.Do(ctx, c.maxAttempts, c.baseDelay, func() error {
		body, contentType, err := transcriptionForm(filename, data)
		if err != nil {
			return retry.Permanent(err)
		}
		return c.once(ctx, operation, c.url("/audio/transcriptions"), contentType, body, &out)
	})
	metrics.ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure(operation)
		return nil, err
	}
	c.breaker.RecordSuccess(operation)
	return &out, nil
}

func transcriptionForm(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("build transcription form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("build transcription form: %w", err)
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("build transcription form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("build transcription form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
