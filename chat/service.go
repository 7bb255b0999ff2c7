package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/ragchat/config"
	"github.com/fabfab/ragchat/index"
	"github.com/fabfab/ragchat/llm"
	"github.com/fabfab/ragchat/prompt"
	"github.com/fabfab/ragchat/segment"
	"github.com/fabfab/ragchat/tabular"
)

// Config carries the per-session texts and the default data sources.
type Config struct {
	SystemPrompt    string
	Greeting        string
	Language        string
	SummaryTemplate string
	DefaultMode     prompt.Mode
	// CSVPaths are read for a turn when neither an upload nor a cached
	// table is available.
	CSVPaths []string
	CSV      tabular.Options
}

func NewConfig(cfg config.Config) (Config, error) {
	mode, err := prompt.ParseMode(cfg.Chat.Mode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		SystemPrompt:    cfg.Chat.SystemPrompt,
		Greeting:        cfg.Chat.Greeting,
		Language:        cfg.Chat.Language,
		SummaryTemplate: cfg.Chat.SummaryTemplate,
		DefaultMode:     mode,
		CSVPaths:        cfg.CSV.Paths,
		CSV: tabular.Options{
			HeaderLine: cfg.CSV.HeaderLine,
			Encoding:   cfg.CSV.Encoding,
		},
	}, nil
}

// Service drives sessions through a turn. The query handle is loaded once
// by the caller and shared by every session.
type Service struct {
	handle   index.QueryHandle
	composer prompt.Composer
	cfg      Config
	logger   *zap.Logger
}

func NewService(handle index.QueryHandle, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = prompt.ModeProse
	}

	return &Service{
		handle:   handle,
		composer: prompt.Composer{Language: cfg.Language},
		cfg:      cfg,
		logger:   logger,
	}
}

// Start seeds the system prompt and greeting. Starting a session twice is a
// no-op.
func (s *Service) Start(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateUninitialized {
		return
	}
	s.seed(sess)
	s.logger.Debug("session started", zap.String("session_id", sess.ID))
}

func (s *Service) seed(sess *Session) {
	sess.epoch++
	sess.messages = make([]llm.Message, 0, 2)
	if s.cfg.SystemPrompt != "" {
		sess.messages = append(sess.messages, llm.Message{Role: llm.RoleSystem, Content: s.cfg.SystemPrompt})
	}
	if s.cfg.Greeting != "" {
		sess.messages = append(sess.messages, llm.Message{Role: llm.RoleAssistant, Content: s.cfg.Greeting})
	}
	sess.table = nil
	sess.topics = nil
	sess.lastErr = ""
	sess.state = StateIdle
}

// Submit runs one turn: ingest, compose, dispatch, segment. On success the
// user message and the full answer are appended together. On failure
// nothing is appended, the session returns to idle and the error is kept
// for the next view.
func (s *Service) Submit(ctx context.Context, sess *Session, turn Turn) error {
	question := strings.TrimSpace(turn.Question)

	sess.mu.Lock()
	switch sess.state {
	case StateUninitialized:
		sess.mu.Unlock()
		return ErrNotStarted
	case StateProcessing:
		sess.mu.Unlock()
		return ErrBusy
	}
	if question == "" {
		sess.lastErr = ErrEmptyQuestion.Error()
		sess.mu.Unlock()
		return ErrEmptyQuestion
	}
	if sess.handle == nil {
		sess.handle = s.handle
	}
	// A new submission abandons any topics still on offer.
	sess.topics = nil
	sess.lastErr = ""
	sess.state = StateProcessing
	sess.epoch++
	epoch := sess.epoch
	handle := sess.handle
	cached := sess.table
	sess.mu.Unlock()

	mode := turn.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}

	answer, table, err := s.run(ctx, handle, question, mode, turn.Uploads, cached)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.epoch != epoch {
		s.logger.Debug("turn discarded after restart", zap.String("session_id", sess.ID))
		return nil
	}
	if err != nil {
		sess.lastErr = err.Error()
		sess.state = StateIdle
		s.logger.Warn("turn failed",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return err
	}

	sess.table = table
	sess.messages = append(sess.messages,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)

	result := segment.Segment(answer)
	if result.HasTopics() {
		sess.topics = result.Topics
		sess.state = StateAwaitingSelection
	} else {
		sess.state = StateIdle
	}

	s.logger.Debug("turn completed",
		zap.String("session_id", sess.ID),
		zap.String("mode", string(mode)),
		zap.Int("table_rows", table.Len()),
		zap.Int("topics", len(result.Topics)))
	return nil
}

func (s *Service) run(
	ctx context.Context,
	handle index.QueryHandle,
	question string,
	mode prompt.Mode,
	uploads []tabular.Source,
	cached *tabular.Table,
) (string, *tabular.Table, error) {
	table, err := s.ingest(uploads, cached)
	if err != nil {
		return "", cached, fmt.Errorf("ingest csv: %w", err)
	}

	text := s.composer.Compose(question, table, mode)
	answer, err := index.Dispatch(ctx, handle, text)
	if err != nil {
		return "", cached, err
	}
	return answer, table, nil
}

func (s *Service) ingest(uploads []tabular.Source, cached *tabular.Table) (*tabular.Table, error) {
	switch {
	case len(uploads) > 0:
		return tabular.Load(uploads, s.cfg.CSV)
	case cached != nil:
		return cached, nil
	case len(s.cfg.CSVPaths) > 0:
		return tabular.LoadFiles(s.cfg.CSVPaths, s.cfg.CSV)
	default:
		return nil, nil
	}
}

// Select records the user's pick among the offered topics as one assistant
// message.
func (s *Service) Select(sess *Session, choice int) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != StateAwaitingSelection {
		err := fmt.Errorf("%w: no topics are on offer", ErrInvalidSelection)
		sess.lastErr = err.Error()
		return err
	}
	if choice < 0 || choice >= len(sess.topics) {
		err := fmt.Errorf("%w: topic %d out of range [0, %d)", ErrInvalidSelection, choice, len(sess.topics))
		sess.lastErr = err.Error()
		return err
	}

	topic := sess.topics[choice]
	sess.messages = append(sess.messages, llm.Message{
		Role:    llm.RoleAssistant,
		Content: segment.Summary(s.cfg.SummaryTemplate, topic),
	})
	sess.topics = nil
	sess.lastErr = ""
	sess.state = StateIdle
	return nil
}

// Restart drops everything but the seeded messages. A turn in flight is
// not interrupted; its result is discarded when it returns.
func (s *Service) Restart(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.seed(sess)
	s.logger.Debug("session restarted", zap.String("session_id", sess.ID))
}
