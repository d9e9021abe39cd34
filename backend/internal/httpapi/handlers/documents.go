package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"blockcollab/backend/internal/cache"
	"blockcollab/backend/internal/model"
)

func (h *Handler) CreateDocument(c *gin.Context) {
	userID, _ := userOf(c)
	var doc model.Document
	if !bindJSON(c, &doc) {
		return
	}
	doc, err := h.svc.CreateDocument(c.Request.Context(), userID, doc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"document": doc})
}

func (h *Handler) GetDocument(c *gin.Context) {
	userID, _ := userOf(c)
	doc, err := h.svc.GetDocument(c.Request.Context(), userID, c.Param("doc"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

// UpdateDocument saves title, category, chapter and section.
func (h *Handler) UpdateDocument(c *gin.Context) {
	userID, _ := userOf(c)
	var fields model.DocumentFields
	if !bindJSON(c, &fields) {
		return
	}
	fields.DocID = c.Param("doc")
	doc, err := h.svc.UpdateDocument(c.Request.Context(), userID, fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc})
}

func (h *Handler) SetCollaborators(c *gin.Context) {
	userID, _ := userOf(c)
	var req struct {
		Collaborators []string `json:"collaborators"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if err := h.svc.SetCollaborators(c.Request.Context(), userID, c.Param("doc"), req.Collaborators); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Editors(c *gin.Context) {
	userID, _ := userOf(c)
	members, err := h.svc.Editors(c.Request.Context(), userID, c.Param("doc"))
	if err != nil {
		writeError(c, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"editors": members})
}

// Subscribe upgrades to a websocket streaming the document's snapshots.
func (h *Handler) Subscribe(c *gin.Context) {
	userID, username := userOf(c)
	if err := h.ws.Serve(c.Writer, c.Request, c.Param("doc"), userID, username); err != nil {
		writeError(c, err)
	}
}
