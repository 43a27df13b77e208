package approval

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Decider is implemented by Workflow.
type Decider interface {
	Decide(ctx context.Context, cb Callback) (Decision, error)
}

// Controller serves the interactive-message callback.
type Controller struct {
	decider Decider
	logger  *logger.Logger
}

func NewController(d Decider, log *logger.Logger) *Controller {
	return &Controller{decider: d, logger: log.WithFields(zap.String("component", "approval-callback"))}
}

func (c *Controller) RegisterHTTPRoutes(router gin.IRouter) {
	router.POST("/callback", c.httpCallback)
}

type callbackPayload struct {
	UserName string `json:"user_name"`
	Context  struct {
		Action    string `json:"action"`
		RequestID string `json:"request_id"`
		Signature string `json:"signature"`
	} `json:"context"`
}

type callbackResponse struct {
	EphemeralText string         `json:"ephemeral_text,omitempty"`
	Update        map[string]any `json:"update,omitempty"`
}

func (c *Controller) httpCallback(ctx *gin.Context) {
	var p callbackPayload
	if err := ctx.ShouldBindJSON(&p); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid callback payload"})
		return
	}

	dec, err := c.decider.Decide(ctx.Request.Context(), Callback{
		RequestID: p.Context.RequestID,
		Action:    p.Context.Action,
		Signature: p.Context.Signature,
		UserName:  p.UserName,
	})
	if err != nil {
		ctx.JSON(http.StatusOK, callbackResponse{EphemeralText: ephemeralFor(err)})
		if !errors.Is(err, ErrExpired) && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrSignatureInvalid) {
			c.logger.Error("Callback failed", zap.String("request_id", p.Context.RequestID), zap.Error(err))
		}
		return
	}
	ctx.JSON(http.StatusOK, callbackResponse{Update: map[string]any{"message": dec.Message, "props": map[string]any{}}})
}

func ephemeralFor(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "You are not authorized to approve or deny requests."
	case errors.Is(err, ErrSignatureInvalid):
		return "Invalid signature. Request rejected."
	case errors.Is(err, ErrExpired):
		return "Request expired or already processed."
	default:
		return "Internal error. The request is still pending, try again."
	}
}
