package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"schoolconnect/internal/apperr"
	"schoolconnect/internal/attendance"
)

var errForbidden = errors.New("forbidden")

func writeError(c *gin.Context, err error) {
	var locked *attendance.LockedError
	switch {
	case errors.As(err, &locked):
		c.JSON(http.StatusConflict, gin.H{
			"error":           locked.Error(),
			"locked":          true,
			"reason":          locked.Status.Reason,
			"remaining_hours": locked.Status.RemainingHours,
		})
	case errors.Is(err, apperr.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.Message(err)})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": apperr.Message(err)})
	case errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
