// Package handlers implements the service's HTTP endpoints.
package handlers

import (
	"errors"
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/apperr"
	"github.com/borisigal/towerofbabel-sub003/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// respondError maps an internal error onto an HTTP response. Internal detail
// stays in the log; the client sees a generic message per status.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	switch {
	case errors.Is(err, store.ErrOverloaded):
		status = http.StatusServiceUnavailable
		message = "service temporarily unavailable"
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		message = "not found"
	default:
		if kind := apperr.KindOf(err); kind != 0 {
			status = apperr.HTTPStatus(kind)
			switch status {
			case http.StatusServiceUnavailable:
				message = "service temporarily unavailable"
			case http.StatusBadGateway:
				message = "upstream provider error"
			case http.StatusUnauthorized:
				message = "unauthorized"
			case http.StatusForbidden:
				message = "forbidden"
			}
		}
	}

	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"path":   c.FullPath(),
			"status": status,
		}).Error("request failed")
	}
	c.JSON(status, gin.H{"error": message})
}
