package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mining-engine/internal/leaderboard"
	"mining-engine/internal/ledger"
	"mining-engine/internal/referral"
	"mining-engine/internal/worker"
)

const (
	CodeInternal        = "INTERNAL_ERROR"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeAccountNotFound = "ACCOUNT_NOT_FOUND"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionActive   = "SESSION_ACTIVE"
	CodeSessionClosed   = "SESSION_CLOSED"
	CodeUserInactive    = "USER_INACTIVE"
	CodeUsernameTaken   = "USERNAME_TAKEN"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var clientErrors = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrAccountNotFound, http.StatusNotFound, CodeAccountNotFound},
	{ledger.ErrSessionNotFound, http.StatusNotFound, CodeSessionNotFound},
	{worker.ErrSessionActive, http.StatusConflict, CodeSessionActive},
	{worker.ErrSessionClosed, http.StatusConflict, CodeSessionClosed},
	{worker.ErrAccountInactive, http.StatusForbidden, CodeUserInactive},
	{worker.ErrInvalidHashRate, http.StatusBadRequest, CodeInvalidRequest},
	{worker.ErrInvalidEfficiency, http.StatusBadRequest, CodeInvalidRequest},
	{leaderboard.ErrInvalidPeriod, http.StatusBadRequest, CodeInvalidRequest},
	{referral.ErrUsernameRequired, http.StatusBadRequest, CodeInvalidRequest},
	{referral.ErrUsernameTaken, http.StatusConflict, CodeUsernameTaken},
}

// fail writes err. Anything not caller-caused is a fault and is reported
// without store details.
func (s *Server) fail(c *gin.Context, op string, err error) {
	for _, ce := range clientErrors {
		if errors.Is(err, ce.err) {
			c.JSON(ce.status, errorBody{Error: ce.code, Message: ce.err.Error()})
			return
		}
	}

	s.log.Error("Request failed", zap.String("op", op), zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorBody{Error: CodeInternal})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: CodeInvalidRequest, Message: message})
}
