package chat

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager tracks live sessions. Sessions are created on first contact and
// forgotten on disconnect; nothing survives the process.
type Manager struct {
	service *Service
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(service *Service, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		service:  service,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open creates and starts a new session.
func (m *Manager) Open() *Session {
	sess := NewSession(uuid.NewString())
	m.service.Start(sess)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session opened",
		zap.String("session_id", sess.ID),
		zap.Int("active", active))
	return sess
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *Manager) Close(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.logger.Info("session closed",
			zap.String("session_id", id),
			zap.Int("active", active))
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Service() *Service {
	return m.service
}
