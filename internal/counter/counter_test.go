package counter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tokengate/internal/budget"
	"github.com/mbd888/tokengate/internal/config"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := &testClock{t: time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)}
	cfg := &config.Config{
		Port:                      "0",
		Env:                       "development",
		LogLevel:                  "error",
		CompletionTokensPerMinute: 1000,
		CompletionReqsPerMinute:   10,
		EmbeddingTokensPerMinute:  5000,
		EmbeddingReqsPerMinute:    20,
		WhisperReqsPerMinute:      2,
	}
	logger := logging.New("error", "text")
	svc := NewService(cfg, logger, budget.WithClock(clk.Now))

	srv, err := New(cfg, WithLogger(logger), WithService(svc))
	require.NoError(t, err)
	return srv, clk
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestLockReportStatus_Flow(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	// Lock 600 of 1000.
	w, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app-a", "token_count": 600})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, resp["allowed"])
	handle := resp["request_id"].(string)
	require.NotEmpty(t, handle)
	assert.Contains(t, handle, ":", "client-facing handle is compound")

	// Status shows the hold on both pools.
	w, resp = doJSON(t, r, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 400, resp["available_tokens"])
	assert.EqualValues(t, 600, resp["locked_tokens"])
	assert.EqualValues(t, 1, resp["locked_requests"])

	// A second client asking for 500 is denied in-band, not with a 4xx.
	w, resp = doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app-b", "token_count": 500})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, resp["allowed"])
	assert.Contains(t, resp["error"], "Token limit would be exceeded")
	reset := resp["seconds_until_reset"].(float64)
	assert.Greater(t, reset, float64(0))
	assert.LessOrEqual(t, reset, float64(60))

	// Report actual usage below the estimate.
	w, resp = doJSON(t, r, "POST", "/report", gin.H{
		"app_id": "app-a", "request_id": handle,
		"prompt_tokens": 300, "completion_tokens": 250,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	w, resp = doJSON(t, r, "GET", "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 550, resp["used_tokens"])
	assert.EqualValues(t, 0, resp["locked_tokens"])
	assert.EqualValues(t, 450, resp["available_tokens"])
	assert.EqualValues(t, 1, resp["used_requests"])
}

func TestLock_RequestPoolExhaustion(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	// Drain the 10 request slots with tiny token locks.
	for i := 0; i < 10; i++ {
		w, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app", "token_count": 1})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, true, resp["allowed"], "lock %d", i)
	}

	w, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app", "token_count": 1})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, resp["allowed"])
	assert.Contains(t, resp["error"], "API Rate limit would be exceeded")

	// The denial must not have leaked a token hold.
	_, resp = doJSON(t, r, "GET", "/status", nil)
	assert.EqualValues(t, 10, resp["locked_tokens"])
}

func TestLock_ValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app", "token_count": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp["error"], "negative")

	req := httptest.NewRequest("POST", "/lock", bytes.NewBufferString("{not json"))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)

	w, _ = doJSON(t, r, "POST", "/report", gin.H{
		"app_id": "app", "request_id": "tok_x:req_y", "prompt_tokens": -1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportRelease_StaleHandlesSucceed(t *testing.T) {
	srv, clk := newTestServer(t)
	r := srv.Router()

	_, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app", "token_count": 400})
	handle := resp["request_id"].(string)

	clk.Advance(2 * time.Minute)

	// The window rolled and reclaimed the reservation; both calls are
	// no-op successes and the fresh window stays clean.
	w, resp := doJSON(t, r, "POST", "/report", gin.H{
		"app_id": "app", "request_id": handle, "prompt_tokens": 400,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	w, resp = doJSON(t, r, "POST", "/release", gin.H{"app_id": "app", "request_id": handle})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	_, resp = doJSON(t, r, "GET", "/status", nil)
	assert.EqualValues(t, 0, resp["used_tokens"])
	assert.EqualValues(t, 0, resp["locked_tokens"])
	assert.EqualValues(t, 1000, resp["available_tokens"])
}

func TestRelease_ReturnsBothHalves(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	_, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "app", "token_count": 250})
	handle := resp["request_id"].(string)

	w, _ := doJSON(t, r, "POST", "/release", gin.H{"app_id": "app", "request_id": handle})
	require.Equal(t, http.StatusOK, w.Code)

	_, resp = doJSON(t, r, "GET", "/status", nil)
	assert.EqualValues(t, 0, resp["locked_tokens"])
	assert.EqualValues(t, 0, resp["locked_requests"])
}

func TestEmbeddingGroup_MirrorsCompletion(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w, resp := doJSON(t, r, "POST", "/embedding/lock", gin.H{"app_id": "embed", "token_count": 1200})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, resp["allowed"])
	handle := resp["request_id"].(string)

	// Embedding report has no completion dimension.
	w, _ = doJSON(t, r, "POST", "/embedding/report", gin.H{
		"app_id": "embed", "request_id": handle, "prompt_tokens": 1100,
	})
	require.Equal(t, http.StatusOK, w.Code)

	_, resp = doJSON(t, r, "GET", "/embedding/status", nil)
	assert.EqualValues(t, 1100, resp["used_tokens"])
	assert.EqualValues(t, 1, resp["used_requests"])

	// The completion group is untouched.
	_, resp = doJSON(t, r, "GET", "/status", nil)
	assert.EqualValues(t, 0, resp["used_tokens"])
}

func TestTranscriptionGroup_RequestsOnly(t *testing.T) {
	srv, clk := newTestServer(t)
	r := srv.Router()

	var handles []string
	for i := 0; i < 2; i++ {
		w, resp := doJSON(t, r, "POST", "/transcription/lock", gin.H{"app_id": "whisper"})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, true, resp["allowed"])
		handles = append(handles, resp["request_id"].(string))
	}

	// Third file in the window is denied with a precise reset.
	w, resp := doJSON(t, r, "POST", "/transcription/lock", gin.H{"app_id": "whisper"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, false, resp["allowed"])
	assert.Contains(t, resp["error"], "Rate limit would be exceeded")
	assert.Greater(t, resp["seconds_until_reset"].(float64), float64(0))

	w, _ = doJSON(t, r, "POST", "/transcription/report", gin.H{"app_id": "whisper", "request_id": handles[0]})
	require.Equal(t, http.StatusOK, w.Code)

	_, resp = doJSON(t, r, "GET", "/transcription/status", nil)
	assert.EqualValues(t, 1, resp["used_requests"])
	assert.EqualValues(t, 1, resp["locked_requests"])
	assert.EqualValues(t, 0, resp["available_requests"])

	// Next window admits new files.
	clk.Advance(61 * time.Second)
	w, resp = doJSON(t, r, "POST", "/transcription/lock", gin.H{"app_id": "whisper"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["allowed"])
}

func TestHealthAndRoot(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w, resp := doJSON(t, r, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])

	w, resp = doJSON(t, r, "GET", "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1000, resp["token_limit_per_minute"])

	w, _ = doJSON(t, r, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConcurrentLocks_NeverOversubscribe(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	var wg sync.WaitGroup
	allowed := make(chan string, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, resp := doJSON(t, r, "POST", "/lock", gin.H{"app_id": "racer", "token_count": 200})
			if resp["allowed"] == true {
				allowed <- resp["request_id"].(string)
			}
		}()
	}
	wg.Wait()
	close(allowed)

	// 1000 tokens / 200 per lock: at most 5 concurrent winners.
	var n int
	for range allowed {
		n++
	}
	assert.LessOrEqual(t, n, 5)

	_, resp := doJSON(t, r, "GET", "/status", nil)
	locked := int(resp["locked_tokens"].(float64))
	assert.LessOrEqual(t, locked, 1000)
	assert.Equal(t, n*200, locked)
}
