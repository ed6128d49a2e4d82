// Package actor serializes all mutations to the connection's state behind
// a single goroutine, so the IPC command server, the tunnel's event loop,
// and a CLI-triggered disconnect never race on the same VpnSession.
package actor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"backend/internal/model"
)

// statusTopic is the single gochannel topic status changes broadcast on;
// the actor has exactly one kind of event to publish, so there is no
// need for the multi-topic/priority-queue machinery a busier event bus
// would carry.
const statusTopic = "status_changed"

// Connector is the narrow slice of the connector a running state actor
// needs: enough to answer an MFA challenge, hand back a session, and tear
// a tunnel down. Defined here (rather than imported from the connector
// package) so actor has no dependency on connector's transport/platform
// wiring — connector depends on actor's request shapes, not the reverse.
type Connector interface {
	ChallengeCode(ctx context.Context, session *model.VpnSession, code string) (*model.VpnSession, error)
	DeleteSession(ctx context.Context)
	TerminateTunnel(ctx context.Context, sendDelete bool) error
	HandleTunnelEvent(ctx context.Context, event TunnelEvent) error
}

// TunnelEvent is a status change the running tunnel reports back to the
// actor (rekey completed, transport failed, office-mode lease renewed).
type TunnelEvent struct {
	Kind    string
	Err     error
	Session *model.IpsecSession
}

// state is the actor's private, single-owner data — never touched outside
// the request-handling goroutine.
type state struct {
	status    model.ConnectionStatus
	session   *model.VpnSession
	connector Connector
	cancel    context.CancelFunc
}

func (s *state) reset() {
	s.session = nil
	s.connector = nil
	s.status = model.StatusDisconnectedValue()
	s.cancel = nil
}

type request struct {
	kind    requestKind
	status  model.ConnectionStatus
	session *model.VpnSession
	connector Connector
	code    string
	event   TunnelEvent
	cancel  context.CancelFunc
	reply   chan response
}

type requestKind int

const (
	reqGetStatus requestKind = iota
	reqSetStatus
	reqSetSession
	reqCancelConnection
	reqSetConnector
	reqChallengeCode
	reqDisconnect
	reqReset
	reqHandleTunnelEvent
	reqSetCancelFunc
)

type response struct {
	status  model.ConnectionStatus
	session *model.VpnSession
	err     error
}

// Actor owns the connection state machine. All public methods are safe
// for concurrent use; they serialize through a single request channel.
type Actor struct {
	requests chan request
	bus      *gochannel.GoChannel
}

// Start spins up the actor's consumer goroutine with a fresh,
// disconnected state, and returns a handle to it. The goroutine exits
// when ctx is cancelled.
func Start(ctx context.Context) *Actor {
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	a := &Actor{requests: make(chan request), bus: bus}
	go func() {
		<-ctx.Done()
		_ = bus.Close()
	}()
	go a.run(ctx)
	return a
}

// Subscribe returns a channel of every status change broadcast from now
// on; closing ctx unsubscribes. Meant for a CLI/tray front-end that
// wants to stream status rather than poll GetStatus.
func (a *Actor) Subscribe(ctx context.Context) (<-chan model.ConnectionStatus, error) {
	messages, err := a.bus.Subscribe(ctx, statusTopic)
	if err != nil {
		return nil, fmt.Errorf("actor: subscribe to status changes: %w", err)
	}

	out := make(chan model.ConnectionStatus)
	go func() {
		defer close(out)
		for msg := range messages {
			var status model.ConnectionStatus
			if err := json.Unmarshal(msg.Payload, &status); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
			select {
			case out <- status:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *Actor) publishStatus(status model.ConnectionStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = a.bus.Publish(statusTopic, message.NewMessage(watermill.NewUUID(), payload))
}

func (a *Actor) run(ctx context.Context) {
	st := &state{status: model.StatusDisconnectedValue()}
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-a.requests:
			resp := a.handle(ctx, req, st)
			if req.kind == reqSetStatus || req.kind == reqDisconnect || req.kind == reqCancelConnection || req.kind == reqReset {
				a.publishStatus(st.status)
			}
			req.reply <- resp
		}
	}
}

func (a *Actor) handle(ctx context.Context, req request, st *state) response {
	switch req.kind {
	case reqGetStatus:
		return response{status: st.status}

	case reqSetStatus:
		st.status = req.status
		return response{}

	case reqSetSession:
		st.session = req.session
		return response{}

	case reqCancelConnection:
		if st.cancel != nil {
			st.cancel()
		}
		st.reset()
		return response{}

	case reqSetConnector:
		st.connector = req.connector
		return response{}

	case reqChallengeCode:
		if st.session == nil {
			return response{err: fmt.Errorf("actor: no active session")}
		}
		if st.connector == nil {
			return response{err: fmt.Errorf("actor: no connector configured for challenge code")}
		}
		session, err := st.connector.ChallengeCode(ctx, st.session, req.code)
		if err != nil {
			return response{err: err}
		}
		st.session = session
		return response{session: session}

	case reqDisconnect:
		if st.cancel != nil {
			st.cancel()
		}
		if st.connector != nil {
			st.connector.DeleteSession(ctx)
			_ = st.connector.TerminateTunnel(ctx, true)
		}
		*st = state{status: model.StatusDisconnectedValue()}
		return response{}

	case reqReset:
		st.reset()
		return response{}

	case reqHandleTunnelEvent:
		if st.connector == nil {
			return response{}
		}
		if err := st.connector.HandleTunnelEvent(ctx, req.event); err != nil {
			return response{err: err}
		}
		return response{}

	case reqSetCancelFunc:
		st.cancel = req.cancel
		return response{}

	default:
		return response{err: fmt.Errorf("actor: unknown request kind %d", req.kind)}
	}
}

func (a *Actor) ask(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case a.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// GetStatus returns the current connection status.
func (a *Actor) GetStatus(ctx context.Context) (model.ConnectionStatus, error) {
	resp, err := a.ask(ctx, request{kind: reqGetStatus})
	return resp.status, err
}

// SetStatus replaces the current connection status.
func (a *Actor) SetStatus(ctx context.Context, status model.ConnectionStatus) error {
	_, err := a.ask(ctx, request{kind: reqSetStatus, status: status})
	return err
}

// SetSession stores the active VPN session.
func (a *Actor) SetSession(ctx context.Context, session *model.VpnSession) error {
	_, err := a.ask(ctx, request{kind: reqSetSession, session: session})
	return err
}

// CancelConnection aborts an in-flight connect attempt and resets state.
func (a *Actor) CancelConnection(ctx context.Context) error {
	_, err := a.ask(ctx, request{kind: reqCancelConnection})
	return err
}

// SetConnector installs the connector driving the current session.
func (a *Actor) SetConnector(ctx context.Context, connector Connector) error {
	_, err := a.ask(ctx, request{kind: reqSetConnector, connector: connector})
	return err
}

// ChallengeCode submits an MFA response code to the active connector.
func (a *Actor) ChallengeCode(ctx context.Context, code string) (*model.VpnSession, error) {
	resp, err := a.ask(ctx, request{kind: reqChallengeCode, code: code})
	return resp.session, err
}

// Disconnect cancels any in-flight connection, tears down the tunnel, and
// returns to a clean disconnected state.
func (a *Actor) Disconnect(ctx context.Context) error {
	_, err := a.ask(ctx, request{kind: reqDisconnect})
	return err
}

// Reset clears session/connector/status without touching the tunnel.
func (a *Actor) Reset(ctx context.Context) error {
	_, err := a.ask(ctx, request{kind: reqReset})
	return err
}

// HandleTunnelEvent forwards a status change reported by the running
// tunnel to the active connector.
func (a *Actor) HandleTunnelEvent(ctx context.Context, event TunnelEvent) error {
	_, err := a.ask(ctx, request{kind: reqHandleTunnelEvent, event: event})
	return err
}

// SetCancelFunc stores the cancel function for the in-flight connect
// attempt, so a later CancelConnection/Disconnect can abort it.
func (a *Actor) SetCancelFunc(ctx context.Context, cancel context.CancelFunc) error {
	_, err := a.ask(ctx, request{kind: reqSetCancelFunc, cancel: cancel})
	return err
}
