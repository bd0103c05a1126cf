package counter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tokengate/internal/budget"
	"github.com/mbd888/tokengate/internal/metrics"
	"github.com/mbd888/tokengate/internal/traces"
)

// Wire types. Quota denials are allowed=false 2xx responses, never 4xx;
// only malformed input earns an error status.

// LockRequest is the body for POST /lock and /embedding/lock.
type LockRequest struct {
	AppID      string `json:"app_id"`
	TokenCount int    `json:"token_count"`
}

// LockResponse carries the reservation decision. RequestID is the
// compound handle the client stores end-to-end.
type LockResponse struct {
	Allowed           bool   `json:"allowed"`
	RequestID         string `json:"request_id,omitempty"`
	RateRequestID     string `json:"rate_request_id,omitempty"`
	SecondsUntilReset int    `json:"seconds_until_reset,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ReportRequest is the body for POST /report and /embedding/report.
// Embedding reports carry no completion tokens.
type ReportRequest struct {
	AppID            string `json:"app_id"`
	RequestID        string `json:"request_id"`
	RateRequestID    string `json:"rate_request_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// ReleaseRequest is the body for POST /release and /embedding/release.
type ReleaseRequest struct {
	AppID         string `json:"app_id"`
	RequestID     string `json:"request_id"`
	RateRequestID string `json:"rate_request_id,omitempty"`
}

// StatusResponse is the paired snapshot for GET /status.
type StatusResponse struct {
	AvailableTokens   int `json:"available_tokens"`
	UsedTokens        int `json:"used_tokens"`
	LockedTokens      int `json:"locked_tokens"`
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// RateStatusResponse is the requests-only snapshot for the
// transcription group.
type RateStatusResponse struct {
	AvailableRequests int `json:"available_requests"`
	UsedRequests      int `json:"used_requests"`
	LockedRequests    int `json:"locked_requests"`
	ResetTimeSeconds  int `json:"reset_time_seconds"`
}

// Handler provides the HTTP endpoints for the counter service.
type Handler struct {
	service *Service
}

// NewHandler creates a new counter handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires the completion, embedding, and transcription
// groups onto the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/lock", h.pairLock("completion", h.service.Completion()))
	r.POST("/report", h.pairReport("completion", h.service.Completion()))
	r.POST("/release", h.pairRelease("completion", h.service.Completion()))
	r.GET("/status", h.pairStatus(h.service.Completion()))

	emb := r.Group("/embedding")
	emb.POST("/lock", h.pairLock("embedding", h.service.Embedding()))
	emb.POST("/report", h.pairReport("embedding", h.service.Embedding()))
	emb.POST("/release", h.pairRelease("embedding", h.service.Embedding()))
	emb.GET("/status", h.pairStatus(h.service.Embedding()))

	tr := r.Group("/transcription")
	tr.POST("/lock", h.whisperLock)
	tr.POST("/report", h.whisperReport)
	tr.POST("/release", h.whisperRelease)
	tr.GET("/status", h.whisperStatus)
}

// compoundHandle reassembles the client-facing handle from a report or
// release payload. Clients send the split halves; a request_id that
// already carries the compound form is used as-is, so a client that
// echoes the lock handle verbatim still settles both budgets.
func compoundHandle(requestID, rateRequestID string) string {
	if rateRequestID == "" || strings.ContainsRune(requestID, ':') {
		return requestID
	}
	return budget.JoinHandle(requestID, rateRequestID)
}

func (h *Handler) pairLock(group string, pair *budget.Pair) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.LockDecisionsTotal.WithLabelValues(group, "invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		ctx, span := traces.StartSpan(c.Request.Context(), group+".lock",
			traces.AppID(req.AppID), traces.Amount(req.TokenCount))
		defer span.End()

		res, err := pair.Lock(req.AppID, req.TokenCount)
		if err != nil {
			if errors.Is(err, budget.ErrInvalidAmount) {
				metrics.LockDecisionsTotal.WithLabelValues(group, "invalid").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if !res.Allowed {
			outcome := "denied_tokens"
			if res.Denied == budget.DeniedRequests {
				outcome = "denied_requests"
			}
			metrics.LockDecisionsTotal.WithLabelValues(group, outcome).Inc()
			h.service.logger.WarnContext(ctx, "lock denied",
				"group", group, "app_id", req.AppID, "tokens", req.TokenCount,
				"pool", res.Denied, "reset_in", res.SecondsUntilReset)
			c.JSON(http.StatusOK, LockResponse{
				Allowed:           false,
				SecondsUntilReset: res.SecondsUntilReset,
				Error:             res.Reason,
			})
			return
		}

		metrics.LockDecisionsTotal.WithLabelValues(group, "allowed").Inc()
		_, rateHandle := budget.SplitHandle(res.Handle)
		h.service.logger.InfoContext(ctx, "lock approved",
			"group", group, "app_id", req.AppID, "tokens", req.TokenCount, "handle", res.Handle)
		c.JSON(http.StatusOK, LockResponse{
			Allowed:       true,
			RequestID:     res.Handle,
			RateRequestID: rateHandle,
		})
	}
}

func (h *Handler) pairReport(group string, pair *budget.Pair) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if req.PromptTokens < 0 || req.CompletionTokens < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token counts must not be negative"})
			return
		}

		ctx, span := traces.StartSpan(c.Request.Context(), group+".report",
			traces.AppID(req.AppID), traces.Handle(req.RequestID))
		defer span.End()

		used := req.PromptTokens + req.CompletionTokens
		pair.Report(compoundHandle(req.RequestID, req.RateRequestID), used)

		h.service.logger.InfoContext(ctx, "usage reported",
			"group", group, "app_id", req.AppID,
			"prompt", req.PromptTokens, "completion", req.CompletionTokens)

		// Stale handles were already reclaimed at roll-over; reporting
		// them is success from the client's point of view.
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handler) pairRelease(group string, pair *budget.Pair) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		ctx, span := traces.StartSpan(c.Request.Context(), group+".release",
			traces.AppID(req.AppID), traces.Handle(req.RequestID))
		defer span.End()

		pair.Release(compoundHandle(req.RequestID, req.RateRequestID))

		h.service.logger.InfoContext(ctx, "reservation released",
			"group", group, "app_id", req.AppID, "handle", req.RequestID)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handler) pairStatus(pair *budget.Pair) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := pair.Status()
		c.JSON(http.StatusOK, StatusResponse{
			AvailableTokens:   st.Tokens.Available,
			UsedTokens:        st.Tokens.Committed,
			LockedTokens:      st.Tokens.Held,
			AvailableRequests: st.Requests.Available,
			UsedRequests:      st.Requests.Committed,
			LockedRequests:    st.Requests.Held,
			ResetTimeSeconds:  st.SecondsUntilReset,
		})
	}
}

// Transcription group: one request slot per audio file, no token pool.

func (h *Handler) whisperLock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.LockDecisionsTotal.WithLabelValues("transcription", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "transcription.lock",
		traces.AppID(req.AppID))
	defer span.End()

	res, err := h.service.Whisper().Lock(req.AppID, 1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !res.Allowed {
		metrics.LockDecisionsTotal.WithLabelValues("transcription", "denied_requests").Inc()
		h.service.logger.WarnContext(ctx, "lock denied",
			"group", "transcription", "app_id", req.AppID, "reset_in", res.SecondsUntilReset)
		c.JSON(http.StatusOK, LockResponse{
			Allowed:           false,
			SecondsUntilReset: res.SecondsUntilReset,
			Error:             "API Rate " + res.Reason,
		})
		return
	}

	metrics.LockDecisionsTotal.WithLabelValues("transcription", "allowed").Inc()
	c.JSON(http.StatusOK, LockResponse{Allowed: true, RequestID: res.Handle})
}

func (h *Handler) whisperReport(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	h.service.Whisper().Report(req.RequestID, 1)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) whisperRelease(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	h.service.Whisper().Release(req.RequestID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) whisperStatus(c *gin.Context) {
	st := h.service.Whisper().Status()
	c.JSON(http.StatusOK, RateStatusResponse{
		AvailableRequests: st.Available,
		UsedRequests:      st.Committed,
		LockedRequests:    st.Held,
		ResetTimeSeconds:  st.SecondsUntilReset,
	})
}
