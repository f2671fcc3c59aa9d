package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"soulchat/internal/identity"
	"soulchat/internal/models"
	"soulchat/internal/relay"
	"soulchat/internal/service/chat"
	"soulchat/internal/storage"
	"soulchat/internal/worker"
)

// mockWorkers stands in for the bot subsystem so handler tests stay off
// the real dispatcher.
type mockWorkers struct {
	turnErr     error
	exchangeErr error
	purged      []string
	resets      []string
}

func (m *mockWorkers) Turn(req worker.TurnRequest) (*models.Message, *models.Message, string, error) {
	if m.turnErr != nil {
		return nil, nil, "", m.turnErr
	}
	convID := req.ConversationID
	if convID == "" {
		convID = "conv-fresh"
	}
	userMsg := &models.Message{ID: 1, Body: req.Text, Sender: req.UserID, ConversationID: convID, Kind: models.TurnUser}
	botMsg := &models.Message{ID: 2, Body: "echo: " + req.Text, IsBot: true, ConversationID: convID, Kind: models.TurnBot}
	return userMsg, botMsg, convID, nil
}

func (m *mockWorkers) Exchange(req worker.ExchangeRequest) (*models.Message, *models.Message, error) {
	if m.exchangeErr != nil {
		return nil, nil, m.exchangeErr
	}
	userMsg := &models.Message{ID: 3, Body: req.Text, Sender: req.UserID}
	botMsg := &models.Message{ID: 4, Body: "echo: " + req.Text, IsBot: true}
	return userMsg, botMsg, nil
}

func (m *mockWorkers) Purge(userID, conversationID string) {
	m.purged = append(m.purged, userID+"/"+conversationID)
}

func (m *mockWorkers) ResetUser(userID string) {
	m.resets = append(m.resets, userID)
}

// sinkConn collects relayed events for one user.
type sinkConn struct {
	userID string
	events []relay.Event
}

func (c *sinkConn) UserID() string { return c.userID }
func (c *sinkConn) Enqueue(ev relay.Event) bool {
	c.events = append(c.events, ev)
	return true
}

type apiFixture struct {
	router   *gin.Engine
	chats    *chat.Service
	registry *relay.Registry
	workers  *mockWorkers
	fileBase string
}

func newTestServer(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dbPath := filepath.Join(t.TempDir(), "api_test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chats, err := chat.NewService(db, "sqlite3")
	if err != nil {
		t.Fatalf("new chat service: %v", err)
	}

	verifier := identity.Static{"tok-alice": "alice", "tok-bob": "bob"}
	registry := relay.NewRegistry()
	workers := &mockWorkers{}
	fileBase := t.TempDir()
	handler := NewHandler(chats, verifier, relay.New(registry), workers, fileBase)

	router := gin.New()
	handler.RegisterRoutes(router)

	return &apiFixture{router: router, chats: chats, registry: registry, workers: workers, fileBase: fileBase}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestPingIsPublic(t *testing.T) {
	f := newTestServer(t)
	rec := doJSONRequest(t, f.router, http.MethodGet, "/api/ping", nil, "")
	assertStatus(t, rec, http.StatusOK)
}

func TestRoutesRequireToken(t *testing.T) {
	f := newTestServer(t)
	rec := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": "bob", "text": "hi"}, "")
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": "bob", "text": "hi"}, "tok-unknown")
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestAddAndGetMessages(t *testing.T) {
	f := newTestServer(t)

	// Bob is online over the relay.
	bobConn := &sinkConn{userID: "bob"}
	f.registry.Register(bobConn)

	addResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": "bob", "text": "hello bob"}, "tok-alice")
	assertStatus(t, addResp, http.StatusCreated)
	var addBody struct {
		Message models.Message `json:"message"`
	}
	decodeJSON(t, addResp.Body.Bytes(), &addBody)
	if addBody.Message.ID <= 0 || addBody.Message.Body != "hello bob" {
		t.Fatalf("unexpected stored message: %+v", addBody.Message)
	}
	if len(addBody.Message.SeenBy) != 1 || addBody.Message.SeenBy[0] != "alice" {
		t.Fatalf("sender must seed seenBy: %v", addBody.Message.SeenBy)
	}

	if len(bobConn.events) != 1 || bobConn.events[0].Kind != relay.EventMessageReceived {
		t.Fatalf("recipient should get a relayed message event: %v", bobConn.events)
	}

	getResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/getmsg",
		map[string]any{"to": "alice"}, "tok-bob")
	assertStatus(t, getResp, http.StatusOK)
	var getBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &getBody)
	if len(getBody.Messages) != 1 || getBody.Messages[0].Sender != "alice" {
		t.Fatalf("history mismatch: %+v", getBody.Messages)
	}

	// Validation surfaces as 400.
	badResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": "bob", "text": "   "}, "tok-alice")
	assertStatus(t, badResp, http.StatusBadRequest)
}

func TestAddMessageToBotRoutesToExchange(t *testing.T) {
	f := newTestServer(t)

	resp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": models.BotRecipientID, "text": "hi bot"}, "tok-alice")
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Message models.Message `json:"message"`
		Reply   models.Message `json:"reply"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Reply.Body != "echo: hi bot" || !body.Reply.IsBot {
		t.Fatalf("expected exchange reply, got %+v", body.Reply)
	}

	// Attachments have no meaning in a bot exchange.
	attachResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{
			"to":         models.BotRecipientID,
			"text":       "hi",
			"attachment": map[string]any{"url": "/api/files/alice/pic.png"},
		}, "tok-alice")
	assertStatus(t, attachResp, http.StatusBadRequest)

	f.workers.exchangeErr = worker.ErrDispatcherBusy
	busyResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/addmsg",
		map[string]any{"to": models.BotRecipientID, "text": "hi"}, "tok-alice")
	assertStatus(t, busyResp, http.StatusTooManyRequests)
}

func TestSeenReactDelete(t *testing.T) {
	f := newTestServer(t)

	msg, err := f.chats.Send(context.Background(), "alice", "bob", "target", nil)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}

	seenResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/seen",
		map[string]any{"to": "alice"}, "tok-bob")
	assertStatus(t, seenResp, http.StatusNoContent)

	reactResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/react",
		map[string]any{"messageId": msg.ID, "emoji": "👍"}, "tok-bob")
	assertStatus(t, reactResp, http.StatusNoContent)

	missingResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/react",
		map[string]any{"messageId": 99999, "emoji": "👍"}, "tok-bob")
	assertStatus(t, missingResp, http.StatusNotFound)

	// Only the sender may delete.
	deniedResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/delete",
		map[string]any{"messageId": msg.ID}, "tok-bob")
	assertStatus(t, deniedResp, http.StatusForbidden)

	deleteResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/delete",
		map[string]any{"messageId": msg.ID}, "tok-alice")
	assertStatus(t, deleteResp, http.StatusNoContent)

	goneResp := doJSONRequest(t, f.router, http.MethodPost, "/api/messages/delete",
		map[string]any{"messageId": msg.ID}, "tok-alice")
	assertStatus(t, goneResp, http.StatusNotFound)
}

func TestBotConversationRoutes(t *testing.T) {
	f := newTestServer(t)

	startResp := doJSONRequest(t, f.router, http.MethodPost, "/api/bot/start",
		map[string]any{"text": "hello"}, "tok-alice")
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		ConversationID string         `json:"conversationId"`
		Reply          models.Message `json:"reply"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.ConversationID == "" || startBody.Reply.Body != "echo: hello" {
		t.Fatalf("unexpected start response: %+v", startBody)
	}

	contResp := doJSONRequest(t, f.router, http.MethodPost, "/api/bot/continue",
		map[string]any{"conversationId": startBody.ConversationID, "text": "more"}, "tok-alice")
	assertStatus(t, contResp, http.StatusOK)

	// continue without a conversation id is rejected before the workers.
	badResp := doJSONRequest(t, f.router, http.MethodPost, "/api/bot/continue",
		map[string]any{"text": "more"}, "tok-alice")
	assertStatus(t, badResp, http.StatusBadRequest)

	f.workers.turnErr = worker.ErrDispatcherBusy
	busyResp := doJSONRequest(t, f.router, http.MethodPost, "/api/bot/start",
		map[string]any{"text": "hello"}, "tok-alice")
	assertStatus(t, busyResp, http.StatusTooManyRequests)
	f.workers.turnErr = errors.New("boom")
	errResp := doJSONRequest(t, f.router, http.MethodPost, "/api/bot/start",
		map[string]any{"text": "hello"}, "tok-alice")
	assertStatus(t, errResp, http.StatusInternalServerError)
}

func TestBotHistoryAndListing(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	if _, err := f.chats.AppendThreadMessage(ctx, "alice", "conv-a", "question", models.TurnUser); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	if _, err := f.chats.AppendThreadMessage(ctx, "alice", "conv-a", "answer", models.TurnBot); err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	histResp := doJSONRequest(t, f.router, http.MethodGet, "/api/bot/history/conv-a", nil, "tok-alice")
	assertStatus(t, histResp, http.StatusOK)
	var histBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, histResp.Body.Bytes(), &histBody)
	if len(histBody.Messages) != 2 || !histBody.Messages[1].IsBot {
		t.Fatalf("unexpected thread history: %+v", histBody.Messages)
	}

	// Another user cannot read the thread.
	deniedResp := doJSONRequest(t, f.router, http.MethodGet, "/api/bot/history/conv-a", nil, "tok-bob")
	assertStatus(t, deniedResp, http.StatusForbidden)

	listResp := doJSONRequest(t, f.router, http.MethodGet, "/api/bot/conversations", nil, "tok-alice")
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Conversations []models.ThreadSummary `json:"conversations"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Conversations) != 1 || listBody.Conversations[0].Preview != "question" {
		t.Fatalf("unexpected conversation list: %+v", listBody.Conversations)
	}

	forgetResp := doJSONRequest(t, f.router, http.MethodDelete, "/api/bot/conversations/conv-a", nil, "tok-alice")
	assertStatus(t, forgetResp, http.StatusNoContent)
	if len(f.workers.purged) != 1 || f.workers.purged[0] != "alice/conv-a" {
		t.Fatalf("purge not forwarded to workers: %v", f.workers.purged)
	}
}

func TestUploadAndServeFile(t *testing.T) {
	f := newTestServer(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "note.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("attachment payload")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	var upBody struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	decodeJSON(t, rec.Body.Bytes(), &upBody)
	if upBody.URL == "" || upBody.Filename != "note.txt" {
		t.Fatalf("unexpected upload response: %+v", upBody)
	}

	getResp := doJSONRequest(t, f.router, http.MethodGet, upBody.URL, nil, "tok-bob")
	assertStatus(t, getResp, http.StatusOK)
	if getResp.Body.String() != "attachment payload" {
		t.Fatalf("served file mismatch: %q", getResp.Body.String())
	}

	missingResp := doJSONRequest(t, f.router, http.MethodGet, "/api/files/alice/ghost.txt", nil, "tok-bob")
	assertStatus(t, missingResp, http.StatusNotFound)
}
