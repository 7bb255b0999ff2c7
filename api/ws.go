package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fabfab/ragchat/chat"
	"github.com/fabfab/ragchat/prompt"
	"github.com/fabfab/ragchat/tabular"
)

const (
	TypeSubmit  = "submit"
	TypeSelect  = "select"
	TypeRestart = "restart"
	TypeView    = "view"
	TypeError   = "error"
)

const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnknownType    = "unknown_type"
	ErrorCodeInvalidMode    = "invalid_mode"
	ErrorCodeBusy           = "busy"
)

type baseMessage struct {
	Type string `json:"type"`
}

// FileUpload carries one CSV file. Data is base64 in JSON so that non UTF-8
// encodings survive the trip.
type FileUpload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type SubmitMessage struct {
	Type     string       `json:"type"`
	Question string       `json:"question"`
	Mode     string       `json:"mode,omitempty"`
	Files    []FileUpload `json:"files,omitempty"`
}

type SelectMessage struct {
	Type  string `json:"type"`
	Index *int   `json:"index"`
}

type ViewMessage struct {
	Type string `json:"type"`
	chat.View
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWebSocket binds one connection to one session. Actions run on the
// read loop one at a time and every action is answered with the full view.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	sess := s.manager.Open()
	defer s.manager.Close(sess.ID)

	ctx := c.Request().Context()
	if err := s.sendView(conn, sess); err != nil {
		s.logger.Warn("write initial view", zap.String("session_id", sess.ID), zap.Error(err))
		return nil
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil
		}

		if err := s.handleMessage(ctx, conn, sess, data); err != nil {
			s.logger.Warn("websocket write", zap.String("session_id", sess.ID), zap.Error(err))
			return nil
		}
	}
}

// handleMessage returns an error only when the connection can no longer be
// written to.
func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, sess *chat.Session, data []byte) error {
	var base baseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return s.sendError(conn, ErrorCodeInvalidMessage, "invalid JSON message")
	}

	svc := s.manager.Service()
	switch base.Type {
	case TypeSubmit:
		var msg SubmitMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return s.sendError(conn, ErrorCodeInvalidMessage, "invalid submit message")
		}
		mode, err := prompt.ParseMode(msg.Mode)
		if err != nil {
			return s.sendError(conn, ErrorCodeInvalidMode, err.Error())
		}

		turn := chat.Turn{Question: msg.Question, Mode: mode}
		for _, file := range msg.Files {
			turn.Uploads = append(turn.Uploads, tabular.Bytes(file.Name, file.Data))
		}
		if err := svc.Submit(ctx, sess, turn); errors.Is(err, chat.ErrBusy) {
			return s.sendError(conn, ErrorCodeBusy, err.Error())
		}

	case TypeSelect:
		var msg SelectMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Index == nil {
			return s.sendError(conn, ErrorCodeInvalidMessage, "select requires an index")
		}
		_ = svc.Select(sess, *msg.Index)

	case TypeRestart:
		svc.Restart(sess)

	default:
		return s.sendError(conn, ErrorCodeUnknownType, fmt.Sprintf("unknown message type: %q", strings.TrimSpace(base.Type)))
	}

	return s.sendView(conn, sess)
}

func (s *Server) sendView(conn *websocket.Conn, sess *chat.Session) error {
	return conn.WriteJSON(ViewMessage{Type: TypeView, View: sess.View()})
}

func (s *Server) sendError(conn *websocket.Conn, code, message string) error {
	return conn.WriteJSON(ErrorMessage{Type: TypeError, Code: code, Message: message})
}
