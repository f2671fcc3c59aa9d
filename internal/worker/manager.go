package worker

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"soulchat/internal/bot"
	"soulchat/internal/models"
	"soulchat/internal/service/chat"
)

// ErrDispatcherBusy is returned when the job queue is saturated.
var ErrDispatcherBusy = errors.New("bot worker queue is full")

const defaultReplyTimeout = 30 * time.Second

// ChatStore is the slice of the message store the bot workers need.
type ChatStore interface {
	AppendThreadMessage(ctx context.Context, userID, conversationID, text string, kind models.TurnKind) (*models.Message, error)
	AppendExchangeMessage(ctx context.Context, userID, text string, fromBot bool) (*models.Message, error)
	ThreadHistory(ctx context.Context, conversationID string) ([]*models.Message, error)
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	ReplyTimeout      time.Duration
}

// TurnRequest asks for one threaded bot-conversation turn. An empty
// ConversationID starts a new thread.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Text           string
}

// ExchangeRequest asks for one ungrouped bot exchange.
type ExchangeRequest struct {
	UserID string
	Text   string
}

type turnTask struct {
	req      TurnRequest
	resultCh chan turnResult
}

type exchangeTask struct {
	req      ExchangeRequest
	resultCh chan turnResult
}

// Manager serializes bot turns per user through the dispatcher and runs
// them on the elastic pool. Writes use a background context on purpose:
// a turn that has been accepted is always persisted, even if the
// requesting connection goes away mid-flight.
type Manager struct {
	store        ChatStore
	replier      bot.Replier
	dispatcher   *Dispatcher
	replyTimeout time.Duration

	mu    sync.Mutex
	state map[string]*userState
}

func NewManager(store ChatStore, replier bot.Replier, cfg DispatcherConfig) *Manager {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	m := &Manager{
		store:        store,
		replier:      replier,
		replyTimeout: cfg.ReplyTimeout,
		state:        make(map[string]*userState),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.WorkerIdleTimeout)
	return m
}

// Turn runs one threaded conversation turn and blocks until both sides
// are persisted. Returns the user message, the bot message, and the
// conversation id (freshly minted when the request carried none).
func (m *Manager) Turn(req TurnRequest) (*models.Message, *models.Message, string, error) {
	task := &turnTask{req: req, resultCh: make(chan turnResult, 1)}
	if err := m.dispatcher.TryEnqueue(Job{Type: TurnJob, Turn: task}); err != nil {
		return nil, nil, "", err
	}
	ret := <-task.resultCh
	return ret.userMessage, ret.botMessage, ret.conversationID, ret.err
}

// Exchange runs one ungrouped bot exchange.
func (m *Manager) Exchange(req ExchangeRequest) (*models.Message, *models.Message, error) {
	task := &exchangeTask{req: req, resultCh: make(chan turnResult, 1)}
	if err := m.dispatcher.TryEnqueue(Job{Type: ExchangeJob, Exchange: task}); err != nil {
		return nil, nil, err
	}
	ret := <-task.resultCh
	return ret.userMessage, ret.botMessage, ret.err
}

// Purge drops the cached transcript for one conversation.
func (m *Manager) Purge(userID, conversationID string) {
	m.mu.Lock()
	state := m.state[userID]
	m.mu.Unlock()
	if state == nil {
		return
	}
	state.purgeCache(conversationID)
}

// ResetUser clears everything cached for the user and drops their
// pending queue.
func (m *Manager) ResetUser(userID string) {
	m.dispatcher.CancelUser(userID)
	m.mu.Lock()
	if state, ok := m.state[userID]; ok {
		state.reset()
		delete(m.state, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) getState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.state[userID]; ok {
		return state
	}
	state := newUserState()
	m.state[userID] = state
	return state
}

func (m *Manager) handleTurn(task *turnTask) {
	req := task.req
	ctx := context.Background()

	conversationID := strings.TrimSpace(req.ConversationID)
	fresh := conversationID == ""
	if fresh {
		conversationID = uuid.NewString()
	}

	state := m.getState(req.UserID)
	var history []*models.Message
	if !fresh {
		if state.isReady(conversationID) {
			// cached transcripts are keyed by user, so ownership was
			// already established on a prior turn
			history = state.getHistory(conversationID)
		} else {
			loaded, err := m.store.ThreadHistory(ctx, conversationID)
			if err != nil {
				task.resultCh <- turnResult{err: err}
				return
			}
			if len(loaded) == 0 {
				task.resultCh <- turnResult{err: chat.ErrNotFound}
				return
			}
			// threads belong to the user who started them; knowing the
			// id is not enough to append to someone else's transcript
			if len(loaded[0].Participants) == 0 || loaded[0].Participants[0] != req.UserID {
				task.resultCh <- turnResult{err: chat.ErrPermissionDenied}
				return
			}
			history = loaded
		}
	}

	userMsg, err := m.store.AppendThreadMessage(ctx, req.UserID, conversationID, req.Text, models.TurnUser)
	if err != nil {
		task.resultCh <- turnResult{err: err}
		return
	}

	reply := m.generateReply(req.Text, history)
	botMsg, err := m.store.AppendThreadMessage(ctx, req.UserID, conversationID, reply, models.TurnBot)
	if err != nil {
		task.resultCh <- turnResult{err: err}
		return
	}

	updated := make([]*models.Message, 0, len(history)+2)
	updated = append(updated, history...)
	updated = append(updated, userMsg, botMsg)
	state.setHistory(conversationID, updated)
	state.markReady(conversationID)

	task.resultCh <- turnResult{
		userMessage:    userMsg,
		botMessage:     botMsg,
		conversationID: conversationID,
	}
}

func (m *Manager) handleExchange(task *exchangeTask) {
	req := task.req
	ctx := context.Background()

	userMsg, err := m.store.AppendExchangeMessage(ctx, req.UserID, req.Text, false)
	if err != nil {
		task.resultCh <- turnResult{err: err}
		return
	}

	reply := m.generateReply(req.Text, nil)
	botMsg, err := m.store.AppendExchangeMessage(ctx, req.UserID, reply, true)
	if err != nil {
		task.resultCh <- turnResult{err: err}
		return
	}

	task.resultCh <- turnResult{userMessage: userMsg, botMessage: botMsg}
}

// generateReply calls the collaborator under the configured timeout and
// absorbs any failure into the fallback text, so callers always get a
// reply to persist.
func (m *Manager) generateReply(prompt string, history []*models.Message) string {
	ctx, cancel := context.WithTimeout(context.Background(), m.replyTimeout)
	defer cancel()
	reply, err := m.replier.Reply(ctx, prompt, history)
	if err != nil {
		log.Printf("bot reply failed, using fallback: %v", err)
		return bot.FallbackReply
	}
	if strings.TrimSpace(reply) == "" {
		return bot.FallbackReply
	}
	return reply
}
