package relay

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/4xmen/messagehub/internal/models"
)

type Handler struct {
	store         *Store
	hub           *Hub
	storagePath   string
	maxUploadSize int64
}

func NewHandler(store *Store, hub *Hub, storagePath string, maxUploadSize int64) *Handler {
	return &Handler{store: store, hub: hub, storagePath: storagePath, maxUploadSize: maxUploadSize}
}

// GetUsers lists every registered user.
func (h *Handler) GetUsers(c *gin.Context) {
	users, err := h.store.Users()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

// GetConversation returns the history with :peer, oldest first. Fetching it
// marks the peer's messages as seen and tells the peer.
func (h *Handler) GetConversation(c *gin.Context) {
	userID := currentUser(c)
	peerID := c.Param("peer")
	if peerID == "" || peerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}

	seen, err := h.store.MarkSeen(userID, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update messages"})
		return
	}

	msgs, err := h.store.Conversation(userID, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}

	for _, m := range seen {
		h.hub.Notify(peerID, models.EventMessageUpdated, m)
	}
	c.JSON(http.StatusOK, msgs)
}

type sendTextRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

func (h *Handler) SendText(c *gin.Context) {
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is empty"})
		return
	}
	h.create(c, models.Message{ReceiverID: req.ReceiverID, Content: content})
}

func (h *Handler) SendAudio(c *gin.Context) {
	url, ok := h.saveUpload(c, "audio")
	if !ok {
		return
	}
	h.create(c, models.Message{ReceiverID: c.PostForm("receiverId"), AudioURL: url})
}

func (h *Handler) SendMedia(c *gin.Context) {
	url, ok := h.saveUpload(c, "media")
	if !ok {
		return
	}
	h.create(c, models.Message{ReceiverID: c.PostForm("receiverId"), MediaURL: url})
}

func (h *Handler) create(c *gin.Context, m models.Message) {
	m.SenderID = currentUser(c)
	if !h.validReceiver(c, m.SenderID, m.ReceiverID) {
		return
	}
	saved, err := h.store.CreateMessage(m)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save message"})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) validReceiver(c *gin.Context, senderID, receiverID string) bool {
	if receiverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiverId is required"})
		return false
	}
	if receiverID == senderID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		return false
	}
	exists, err := h.store.UserExists(receiverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate receiver"})
		return false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "receiver not found"})
		return false
	}
	return true
}

// saveUpload stores the multipart file in field and returns its public URL.
func (h *Handler) saveUpload(c *gin.Context, field string) (string, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		if strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return "", false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required"})
		return "", false
	}
	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return "", false
	}
	if !h.validReceiver(c, currentUser(c), c.PostForm("receiverId")) {
		return "", false
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	if err := os.MkdirAll(h.storagePath, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
		return "", false
	}
	if err := c.SaveUploadedFile(header, filepath.Join(h.storagePath, name)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
		return "", false
	}
	return "/api/files/" + name, true
}

func (h *Handler) Health(c *gin.Context) {
	if _, err := h.store.Stats(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": len(h.hub.OnlineUserIDs())})
}
