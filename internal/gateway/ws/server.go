// Package ws implements the WebSocket progress stream. A client opens a
// connection, sends one diff.start message and receives a job.state message
// for every build job transition followed by the diff.result.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/gateway/auth"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/protocol"
	"github.com/jkaninda/branchdiff/internal/service"
)

const (
	startTimeout = 10 * time.Second
	eventBuffer  = 64
)

// Differ runs one diff. Validate rejects malformed requests before the
// stream acknowledges them.
type Differ interface {
	Validate(req service.DiffRequest) error
	Diff(ctx context.Context, req service.DiffRequest) (*pipeline.DiffResult, error)
}

// Server streams diff progress over WebSocket.
type Server struct {
	differ  Differ
	cfg     *config.WebSocketGatewayConfig
	apiKeys map[string]string
	logger  *slog.Logger
}

// NewServer creates a WebSocket server. apiKeys maps API keys to user IDs;
// when empty every connection is accepted as "anonymous".
func NewServer(differ Differ, cfg *config.WebSocketGatewayConfig, apiKeys map[string]string, logger *slog.Logger) *Server {
	return &Server{
		differ:  differ,
		cfg:     cfg,
		apiKeys: apiKeys,
		logger:  logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := auth.Anonymous
	if len(s.apiKeys) > 0 {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		uid, ok := auth.Lookup(s.apiKeys, token)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, userID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	defer conn.Close(websocket.StatusNormalClosure, "diff finished")

	start, err := s.waitForStart(ctx, conn)
	if err != nil {
		s.logger.Warn("diff stream rejected", slog.String("user_id", userID), slog.String("error", err.Error()))
		s.writeError(ctx, conn, "", "bad_request", err.Error())
		return
	}

	req := service.DiffRequest{
		Owner:        start.RepositoryOwner,
		Name:         start.RepositoryName,
		RepoURL:      start.RepositoryURL,
		BaselineRef:  start.BaselineRef,
		CandidateRef: start.CandidateRef,
		AuthToken:    start.AuthToken,
		User:         userID,
	}
	if err := s.differ.Validate(req); err != nil {
		s.logger.Warn("diff stream rejected", slog.String("user_id", userID), slog.String("error", err.Error()))
		s.writeError(ctx, conn, "", service.ErrorCode(err), err.Error())
		return
	}
	if err := s.accept(ctx, conn, start); err != nil {
		s.logger.Debug("writing diff.accepted failed", slog.String("error", err.Error()))
		return
	}

	// Reads and writes use the connection context; cancelling it closes
	// the socket. The diff itself runs under runCtx.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(ctx, cancel, conn, userID)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, userID)

	events := make(chan pipeline.Event, eventBuffer)
	type outcome struct {
		res *pipeline.DiffResult
		err error
	}
	done := make(chan outcome, 1)
	req.Observer = func(ev pipeline.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Debug("dropping job event, stream is behind", slog.String("request_id", ev.RequestID))
		}
	}
	go func() {
		res, err := s.differ.Diff(runCtx, req)
		done <- outcome{res, err}
	}()

	for {
		select {
		case ev := <-events:
			s.writeEvent(ctx, conn, ev)
		case out := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					s.writeEvent(ctx, conn, ev)
				default:
					drained = true
				}
			}
			if out.err != nil {
				s.writeError(ctx, conn, "", service.ErrorCode(out.err), out.err.Error())
				return
			}
			env, err := protocol.NewEnvelope(protocol.MsgDiffResult, out.res)
			if err != nil {
				s.logger.Error("encoding diff result", slog.String("error", err.Error()))
				return
			}
			env.RequestID = out.res.RequestID
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("writing diff result failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) waitForStart(ctx context.Context, conn *websocket.Conn) (*protocol.DiffStartPayload, error) {
	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	_, data, err := conn.Read(startCtx)
	if err != nil {
		return nil, fmt.Errorf("reading diff.start: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing diff.start: %w", err)
	}
	if env.Type != protocol.MsgDiffStart {
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgDiffStart, env.Type)
	}

	var start protocol.DiffStartPayload
	if err := env.Decode(&start); err != nil {
		return nil, fmt.Errorf("parsing diff.start payload: %w", err)
	}
	return &start, nil
}

// accept acknowledges a diff.start that passed validation.
func (s *Server) accept(ctx context.Context, conn *websocket.Conn, start *protocol.DiffStartPayload) error {
	repo := start.RepositoryURL
	if repo == "" {
		repo = start.RepositoryOwner + "/" + start.RepositoryName
	}
	accepted, _ := protocol.NewEnvelope(protocol.MsgDiffAccepted, protocol.DiffAcceptedPayload{
		Repository:   repo,
		CandidateRef: start.CandidateRef,
	})
	return s.writeEnvelope(ctx, conn, accepted)
}

// readLoop keeps control frames flowing and cancels the diff when the
// client asks for it or goes away.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, userID string) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.logger.Debug("diff stream closed by client",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.MsgDiffCancel:
			s.logger.Info("diff cancelled by client", slog.String("user_id", userID))
			return
		case protocol.MsgPong:
		default:
			s.logger.Debug("unexpected message on diff stream", slog.String("type", string(env.Type)))
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, userID string) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev pipeline.Event) {
	env, _ := protocol.NewEnvelope(protocol.MsgJobState, protocol.JobStatePayload{
		Role:          string(ev.Role),
		Ref:           ev.Ref,
		State:         string(ev.State),
		PreviousState: string(ev.PreviousState),
		ErrorKind:     string(ev.Kind),
		Error:         ev.Error,
	})
	env.RequestID = ev.RequestID
	if err := s.writeEnvelope(ctx, conn, env); err != nil {
		s.logger.Debug("writing job event failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(ctx context.Context, conn *websocket.Conn, requestID, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	env.RequestID = requestID
	_ = s.writeEnvelope(ctx, conn, env)
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
