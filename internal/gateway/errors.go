package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/session"
	sessionstore "github.com/devharbor/devharbor/internal/session/store"
)

// respondError maps store sentinels onto HTTP statuses; anything else is a
// 500 with the detail kept in the server log.
func respondError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, metastore.ErrNotFound), errors.Is(err, sessionstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
	case errors.Is(err, session.ErrLimitExceeded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
}
