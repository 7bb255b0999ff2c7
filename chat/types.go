package chat

import (
	"errors"
	"sync"

	"github.com/fabfab/ragchat/index"
	"github.com/fabfab/ragchat/llm"
	"github.com/fabfab/ragchat/prompt"
	"github.com/fabfab/ragchat/tabular"
)

var (
	// ErrInvalidSelection is returned when a topic is picked outside
	// AwaitingSelection or with an index that does not exist.
	ErrInvalidSelection = errors.New("invalid selection")
	ErrBusy             = errors.New("session is processing a turn")
	ErrEmptyQuestion    = errors.New("question cannot be empty")
	ErrNotStarted       = errors.New("session not started")
)

type State string

const (
	StateUninitialized     State = "uninitialized"
	StateIdle              State = "idle"
	StateProcessing        State = "processing"
	StateAwaitingSelection State = "awaiting_selection"
)

// Turn is one user submission.
type Turn struct {
	Question string
	Mode     prompt.Mode
	// Uploads replace the cached table when non-empty.
	Uploads []tabular.Source
}

// View is what a shell renders. System messages are never part of it.
type View struct {
	SessionID string        `json:"session_id"`
	State     State         `json:"state"`
	Messages  []llm.Message `json:"messages"`
	Topics    []string      `json:"topics,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Session is the state of one interactive conversation. All fields are
// guarded by mu; turns release it while the query is in flight and mark
// the session as processing instead.
type Session struct {
	ID string

	mu       sync.Mutex
	state    State
	epoch    int
	messages []llm.Message
	handle   index.QueryHandle
	table    *tabular.Table
	topics   []string
	lastErr  string
}

func NewSession(id string) *Session {
	return &Session{ID: id, state: StateUninitialized}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Log returns a copy of the full message log, system messages included.
func (s *Session) Log() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.messages...)
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	rendered := make([]llm.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if msg.Role == llm.RoleSystem {
			continue
		}
		rendered = append(rendered, msg)
	}

	return View{
		SessionID: s.ID,
		State:     s.state,
		Messages:  rendered,
		Topics:    append([]string(nil), s.topics...),
		Error:     s.lastErr,
	}
}
