package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"blockcollab/backend/internal/model"
)

func (h *Handler) ListBlocks(c *gin.Context) {
	userID, _ := userOf(c)
	blocks, err := h.svc.ListBlocks(c.Request.Context(), userID, c.Param("doc"))
	if err != nil {
		writeError(c, err)
		return
	}
	if blocks == nil {
		blocks = []model.Block{}
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

func (h *Handler) CreateBlock(c *gin.Context) {
	userID, _ := userOf(c)
	var nb model.NewBlock
	if !bindJSON(c, &nb) {
		return
	}
	b, err := h.svc.CreateBlock(c.Request.Context(), userID, c.Param("doc"), nb)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"block": b})
}

// UpdateBlock applies text/type/index with an optional expectedVersion.
func (h *Handler) UpdateBlock(c *gin.Context) {
	userID, _ := userOf(c)
	var upd model.BlockUpdate
	if !bindJSON(c, &upd) {
		return
	}
	upd.DocID, upd.BlockID = c.Param("doc"), c.Param("block")
	b, err := h.svc.UpdateBlock(c.Request.Context(), userID, upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": b.Version, "block": b})
}

func (h *Handler) DeleteBlock(c *gin.Context) {
	userID, _ := userOf(c)
	if err := h.svc.DeleteBlock(c.Request.Context(), userID, c.Param("doc"), c.Param("block")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) AcquireLock(c *gin.Context) {
	userID, _ := userOf(c)
	l, err := h.svc.AcquireLock(c.Request.Context(), userID, c.Param("doc"), c.Param("block"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lockHolder": l.Holder, "lockUntil": l.ExpiresAt})
}

func (h *Handler) RenewLock(c *gin.Context) {
	userID, _ := userOf(c)
	l, err := h.svc.RenewLock(c.Request.Context(), userID, c.Param("doc"), c.Param("block"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "lockHolder": l.Holder, "lockUntil": l.ExpiresAt})
}

func (h *Handler) ReleaseLock(c *gin.Context) {
	userID, _ := userOf(c)
	if err := h.svc.ReleaseLock(c.Request.Context(), userID, c.Param("doc"), c.Param("block")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
