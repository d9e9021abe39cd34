package handlers

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"blockcollab/backend/internal/collab"
	"blockcollab/backend/internal/model"
	"blockcollab/backend/internal/ws"
)

type Handler struct {
	svc *collab.BlockService
	ws  *ws.Manager
}

func NewHandler(svc *collab.BlockService, m *ws.Manager) *Handler {
	return &Handler{svc: svc, ws: m}
}

func userOf(c *gin.Context) (string, string) {
	return c.GetString("userId"), c.GetString("username")
}

// bindJSON accepts an empty body as the zero value.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": model.ErrInvalidArgument.Error(), "message": err.Error()})
		return false
	}
	return true
}

var errorStatus = []struct {
	err    error
	status int
}{
	{model.ErrLockConflict, http.StatusLocked},
	{model.ErrVersionConflict, http.StatusConflict},
	{model.ErrNotFound, http.StatusNotFound},
	{model.ErrPermissionDenied, http.StatusForbidden},
	{model.ErrNotAuthenticated, http.StatusUnauthorized},
	{model.ErrInvalidArgument, http.StatusBadRequest},
	{model.ErrBusy, http.StatusServiceUnavailable},
}

// StatusOf maps an error kind onto its HTTP status.
func StatusOf(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"code": model.Code(err), "message": msg})
}
