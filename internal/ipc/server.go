package ipc

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"backend/internal/actor"
	"backend/internal/apperrors"
	"backend/internal/logger"
	"backend/internal/model"
)

// ConnectFunc authenticates against params and wires up whatever
// connector/tunnel the profile selects, registering it with a via
// a.SetConnector/a.SetSession as it goes and pushing tunnel events back
// through a.HandleTunnelEvent for the life of the connection. It returns
// once the initial session is established (which may be "pending MFA",
// not yet "connected") or authentication fails outright. Supplied by the
// service's main package so ipc has no dependency on the connector
// package's transport/platform wiring.
type ConnectFunc func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error

// Server accepts client connections on a Unix domain socket and answers
// Connect/Disconnect/GetStatus/ChallengeCode commands against a shared
// actor.Actor.
type Server struct {
	path    string
	actor   *actor.Actor
	connect ConnectFunc
}

// NewServer builds a command server listening at path, dispatching
// connect commands through connectFn.
func NewServer(path string, a *actor.Actor, connectFn ConnectFunc) *Server {
	return &Server{path: path, actor: a, connect: connectFn}
}

// ListenAndServe removes any stale socket file, binds the listener, and
// serves connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.path)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.path, err)
	}
	defer listener.Close()
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go s.handle(ctx, NewConn(raw))
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn) {
	defer conn.Close()
	connID := ulid.Make().String()
	log := logger.L().With(zap.String("conn_id", connID))

	for {
		var req Request
		if err := conn.Receive(ctx, &req); err != nil {
			return
		}

		log.Debug("ipc: request", zap.String("kind", string(req.Kind)))
		resp := s.dispatch(ctx, req)
		if err := conn.Send(ctx, resp); err != nil {
			log.Warn("ipc: send reply failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Kind {
	case RequestConnect:
		return s.handleConnect(ctx, req.Params)
	case RequestDisconnect:
		if err := s.actor.Disconnect(ctx); err != nil {
			return ErrorResponse(err)
		}
		return OkResponse()
	case RequestGetStatus:
		status, err := s.actor.GetStatus(ctx)
		if err != nil {
			return ErrorResponse(err)
		}
		return StatusResponse(status)
	case RequestChallengeCode:
		session, err := s.actor.ChallengeCode(ctx, req.Code)
		if err != nil {
			_ = s.actor.Reset(ctx)
			return ErrorResponse(err)
		}
		if session.State.Kind == model.SessionStatePendingChallenge {
			return StatusResponse(model.StatusMfaValue(session.State.Challenge))
		}
		// The challenge resolved; the connector's tunnel bring-up runs in
		// the background and reports its own Connected/Disconnected event
		// later, so the immediate reply is just "connecting".
		if err := s.actor.SetStatus(ctx, model.StatusConnectingValue()); err != nil {
			return ErrorResponse(err)
		}
		return StatusResponse(model.StatusConnectingValue())
	default:
		return ErrorResponse(fmt.Errorf("ipc: unknown request kind %q", req.Kind))
	}
}

func (s *Server) handleConnect(ctx context.Context, params *model.TunnelParams) Response {
	if params == nil {
		return ErrorResponse(fmt.Errorf("ipc: connect request missing params"))
	}

	status, err := s.actor.GetStatus(ctx)
	if err == nil && status.Kind != model.StatusDisconnected {
		return ErrorResponse(apperrors.AnotherConnectionInProgress())
	}

	if err := s.actor.Reset(ctx); err != nil {
		return ErrorResponse(err)
	}
	if err := s.actor.SetStatus(ctx, model.StatusConnectingValue()); err != nil {
		return ErrorResponse(err)
	}

	connectCtx, cancel := context.WithCancel(ctx)
	if err := s.actor.SetCancelFunc(ctx, cancel); err != nil {
		cancel()
		return ErrorResponse(err)
	}

	if err := s.connect(connectCtx, s.actor, params); err != nil {
		_ = s.actor.Reset(ctx)
		if connectCtx.Err() != nil {
			return ErrorResponse(apperrors.ConnectionCancelled())
		}
		return ErrorResponse(err)
	}

	newStatus, err := s.actor.GetStatus(ctx)
	if err != nil {
		return ErrorResponse(err)
	}
	return StatusResponse(newStatus)
}
