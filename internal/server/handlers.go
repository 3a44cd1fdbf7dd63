package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "tickwatch/internal/errors"
	"tickwatch/internal/models"
	"tickwatch/internal/notify"
	"tickwatch/internal/security"
	"tickwatch/internal/stream"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "X-Twilio-Signature"

func errorStatus(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrConnectionNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrInvalidEvent):
		return http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
}

// openStream serves one server-sent event stream.
// GET /stream?user=<id>
func (s *Server) openStream(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}

	conn, err := s.deps.Hub.Connect(userID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer s.deps.Hub.Disconnect(conn.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case env, ok := <-conn.Events():
			if !ok {
				return false
			}
			c.SSEvent(env.Event, env)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type topicRequest struct {
	Topic string `json:"topic" binding:"required"`
}

// subscribe binds a stream to a symbol or account:keyword topic.
// POST /stream/:id/subscribe
func (s *Server) subscribe(c *gin.Context) {
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Hub.Subscribe(c.Param("id"), req.Topic); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": stream.NormalizeTopic(req.Topic)})
}

// unsubscribe removes a topic from a stream.
// POST /stream/:id/unsubscribe
func (s *Server) unsubscribe(c *gin.Context) {
	var req topicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Hub.Unsubscribe(c.Param("id"), req.Topic); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unsubscribed": stream.NormalizeTopic(req.Topic)})
}

// closeStream ends a stream on the client's behalf.
// DELETE /stream/:id
func (s *Server) closeStream(c *gin.Context) {
	s.deps.Hub.Disconnect(c.Param("id"))
	c.Status(http.StatusNoContent)
}

type eventRequest struct {
	Type string          `json:"type" binding:"required,oneof=price social"`
	Data json.RawMessage `json:"data" binding:"required"`
}

// ingestEvent accepts a price or social event pushed by an external producer.
// POST /monitor/events
func (s *Server) ingestEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Type {
	case "price":
		var tick models.Tick
		if err = json.Unmarshal(req.Data, &tick); err != nil {
			abortWithError(c, apperrors.NewValidationError("data", nil, err.Error()))
			return
		}
		tick.Symbol = security.NormalizeSymbol(tick.Symbol)
		if err = security.ValidateSymbol(tick.Symbol); err != nil {
			abortWithError(c, err)
			return
		}
		if tick.Source == "" {
			tick.Source = "api"
		}
		if tick.Timestamp.IsZero() {
			tick.Timestamp = time.Now().UTC()
		}
		err = s.deps.Events.HandleTick(ctx, tick)
	case "social":
		var ev models.SocialEvent
		if err = json.Unmarshal(req.Data, &ev); err != nil {
			abortWithError(c, apperrors.NewValidationError("data", nil, err.Error()))
			return
		}
		ev.Account = strings.ToLower(strings.TrimSpace(ev.Account))
		if err = security.ValidateAccount(ev.Account); err != nil {
			abortWithError(c, err)
			return
		}
		if ev.PublishedAt.IsZero() {
			ev.PublishedAt = time.Now().UTC()
		}
		err = s.deps.Events.HandleSocial(ctx, ev)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// voiceStatus receives final call states from the voice provider.
// POST /webhooks/voice/status
func (s *Server) voiceStatus(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed form body"})
		return
	}
	ctx := c.Request.Context()
	form := c.Request.PostForm
	signedURL := s.signedURL(c)

	if !notify.VerifySignature(s.deps.AuthToken, signedURL, form, c.GetHeader(SignatureHeader)) {
		_ = s.deps.Audit.LogInvalidSignature(ctx, signedURL)
		s.logger.Warn().Str("path", c.Request.URL.Path).Msg("Rejected webhook with invalid signature")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": apperrors.ErrInvalidSignature.Error()})
		return
	}

	status, final, err := notify.ParseCallStatus(c.Request.URL.Query(), form)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !final {
		c.Status(http.StatusNoContent)
		return
	}

	if s.deps.Calls != nil {
		s.deps.Calls.RecordOutcome(ctx, status.UserID, status.Identity, status.Outcome)
	}
	if s.deps.Senders != nil {
		s.deps.Senders.RecordOutcome(ctx, status.Identity, status.Outcome.Status, status.Outcome.DurationSeconds, status.Outcome.MachineDetected)
	}
	s.logger.Info().
		Str("call_sid", status.CallSID).
		Str("user_id", status.UserID).
		Str("alert_id", status.AlertID).
		Str("status", string(status.Outcome.Status)).
		Bool("machine", status.Outcome.MachineDetected).
		Msg("Call completed")
	c.Status(http.StatusNoContent)
}
