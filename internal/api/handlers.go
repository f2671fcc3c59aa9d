package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"soulchat/internal/identity"
	"soulchat/internal/models"
	"soulchat/internal/relay"
	"soulchat/internal/service/chat"
	"soulchat/internal/worker"
)

// WorkerManager is the bot subsystem surface the HTTP layer needs.
type WorkerManager interface {
	Turn(worker.TurnRequest) (*models.Message, *models.Message, string, error)
	Exchange(worker.ExchangeRequest) (*models.Message, *models.Message, error)
	Purge(userID, conversationID string)
	ResetUser(userID string)
}

// Handler wires HTTP routes to the message store, the relay, and the
// per-user bot workers.
type Handler struct {
	chats    *chat.Service
	verifier identity.Verifier
	relay    *relay.Relay
	workers  WorkerManager
	fileBase string
}

// NewHandler constructs a Handler instance.
func NewHandler(chats *chat.Service, verifier identity.Verifier, r *relay.Relay, workers WorkerManager, fileBase string) *Handler {
	return &Handler{
		chats:    chats,
		verifier: verifier,
		relay:    r,
		workers:  workers,
		fileBase: fileBase,
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := identity.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/ping", h.ping)

	authMW := identity.Middleware(h.verifier)
	msgRoutes := api.Group("/messages", authMW)
	msgRoutes.POST("/addmsg", h.addMessage)
	msgRoutes.POST("/getmsg", h.getMessages)
	msgRoutes.POST("/seen", h.markSeen)
	msgRoutes.POST("/react", h.addReaction)
	msgRoutes.POST("/delete", h.deleteMessage)

	botRoutes := api.Group("/bot", authMW)
	botRoutes.POST("/start", h.startBotConversation)
	botRoutes.POST("/continue", h.continueBotConversation)
	botRoutes.GET("/conversations", h.listBotConversations)
	botRoutes.GET("/history/:conversation_id", h.getBotHistory)
	botRoutes.DELETE("/conversations/:conversation_id", h.forgetBotConversation)

	fileRoutes := api.Group("/files", authMW)
	fileRoutes.POST("", h.uploadFile)
	fileRoutes.GET("/:owner/:filename", h.serveFile)
}

func (h *Handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case chat.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, chat.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Message send&fetch interface
type addMessageRequest struct {
	To         string `json:"to"`
	Text       string `json:"text"`
	Attachment *struct {
		URL       string `json:"url"`
		Filename  string `json:"filename"`
		MediaType string `json:"mediaType"`
	} `json:"attachment"`
}

func (h *Handler) addMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Messages addressed to the bot sentinel become ungrouped exchanges
	// instead of direct messages.
	if req.To == models.BotRecipientID {
		if req.Attachment != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "attachments cannot be sent to the bot"})
			return
		}
		userMsg, botMsg, err := h.workers.Exchange(worker.ExchangeRequest{UserID: userID, Text: req.Text})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": userMsg, "reply": botMsg})
		return
	}

	var att *models.Attachment
	if req.Attachment != nil {
		att = &models.Attachment{
			URL:       req.Attachment.URL,
			Filename:  req.Attachment.Filename,
			MediaType: req.Attachment.MediaType,
		}
	}
	msg, err := h.chats.Send(c.Request.Context(), userID, req.To, req.Text, att)
	if err != nil {
		writeError(c, err)
		return
	}
	h.relay.DeliverIfOnline(req.To, relay.Event{
		Kind:    relay.EventMessageReceived,
		From:    userID,
		Message: msg,
	})
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) getMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var (
		messages []*models.Message
		err      error
	)
	if req.To == models.BotRecipientID {
		messages, err = h.chats.ExchangeHistory(c.Request.Context(), userID)
	} else {
		messages, err = h.chats.History(c.Request.Context(), userID, req.To)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) markSeen(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		To string `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chats.MarkSeen(c.Request.Context(), userID, req.To); err != nil {
		writeError(c, err)
		return
	}
	h.relay.DeliverIfOnline(req.To, relay.Event{Kind: relay.EventSeen, From: userID})
	c.Status(http.StatusNoContent)
}

func (h *Handler) addReaction(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		MessageID int64  `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chats.React(c.Request.Context(), req.MessageID, userID, req.Emoji); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		MessageID int64 `json:"messageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chats.Delete(c.Request.Context(), req.MessageID, userID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Bot conversation interface
func (h *Handler) startBotConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	userMsg, botMsg, conversationID, err := h.workers.Turn(worker.TurnRequest{UserID: userID, Text: req.Text})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"conversationId": conversationID,
		"message":        userMsg,
		"reply":          botMsg,
	})
}

func (h *Handler) continueBotConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	userMsg, botMsg, conversationID, err := h.workers.Turn(worker.TurnRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": conversationID,
		"message":        userMsg,
		"reply":          botMsg,
	})
}

func (h *Handler) listBotConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	threads, err := h.chats.ListThreads(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": threads})
}

func (h *Handler) getBotHistory(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID := c.Param("conversation_id")
	messages, err := h.chats.ThreadHistory(c.Request.Context(), conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	// Threads are private to the user who started them.
	for _, m := range messages {
		if len(m.Participants) > 0 && m.Participants[0] != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) forgetBotConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.Purge(userID, c.Param("conversation_id"))
	c.Status(http.StatusNoContent)
}

// File attachment interface
const maxUploadBytes = 10 << 20 // 10 MB

var allowedContentTypes = []string{
	"image/",
	"audio/",
	"video/",
	"text/plain",
	"application/pdf",
	"application/json",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadFile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	filename := filepath.Base(file.Filename)
	destDir, destPath, finalName := h.getUniqueFilePath(userID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"url":       fmt.Sprintf("/api/files/%s/%s", userID, finalName),
		"filename":  finalName,
		"mediaType": contentType,
		"size":      file.Size,
	})
}

func (h *Handler) serveFile(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	owner := filepath.Base(c.Param("owner"))
	filename := filepath.Base(c.Param("filename"))
	path := filepath.Join(h.fileBase, owner, filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.File(path)
}

func (h *Handler) getFilePath(userID, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, userID)
	destPath := filepath.Join(destDir, filename)
	return destDir, destPath
}

func (h *Handler) getUniqueFilePath(userID, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(userID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.getFilePath(userID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	fallback := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, fallback), fallback
}
