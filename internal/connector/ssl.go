package connector

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"backend/internal/actor"
	"backend/internal/apperrors"
	"backend/internal/ccc"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/persistence"
	"backend/internal/tunnel"
)

// sslReauthLeeway is how far ahead of the active key's advertised
// timeout the connector re-authenticates over CCC.
const sslReauthLeeway = 60 * time.Second

// defaultSslNetmask is used for the office-mode lease the SSL tunnel's
// HelloReply carries: unlike the IKEv1 variant, the gateway only ever
// hands back a bare address, not a netmask.
var defaultSslNetmask = net.IPv4(255, 255, 255, 0)

// sslConnector drives the thin CCC/HTTPS login (ClientHello, Auth or
// CertAuth, MultiChallenge) and owns the resulting TLS record-layer
// tunnel. Unlike ipsecConnector, MFA here is carried over HTTP POSTs
// with an S-expression body, never ISAKMP attributes, and there is no
// phase-1/phase-2 SA pair to rekey — only the active key's lease to
// refresh before it expires.
type sslConnector struct {
	params  *model.TunnelParams
	factory Factory
	store   *persistence.Store

	client *ccc.Client

	ready chan *model.VpnSession

	mu            sync.Mutex
	runningTun    tunnel.Tunnel
	tunDeviceName string
}

func newSslConnector(deps Deps) *sslConnector {
	return &sslConnector{
		params:  deps.Params,
		factory: deps.Factory,
		store:   deps.Store,
		ready:   make(chan *model.VpnSession, 1),
	}
}

// Authenticate opens a control-channel client for this profile and runs
// the first Auth (UserPass or CertAuth) request.
func (c *sslConnector) Authenticate(ctx context.Context) (*model.VpnSession, error) {
	client, err := ccc.NewClient(c.params, model.EmptyVpnSession())
	if err != nil {
		return nil, fmt.Errorf("connector: build control client: %w", err)
	}
	c.client = client

	resp, err := client.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("connector: authenticate: %w", err)
	}
	return c.applyAuthResponse(model.EmptyVpnSession(), resp)
}

// RestoreSession drops whatever was cached for this profile/server pair
// and re-authenticates; the active key CCC hands back is always a fresh
// one, so there is no lighter-weight restore path here.
func (c *sslConnector) RestoreSession(ctx context.Context) (*model.VpnSession, error) {
	if c.store != nil {
		_ = c.store.Delete(ctx, c.params.ProfileID.String(), c.params.ServerName)
	}
	return c.Authenticate(ctx)
}

// ChallengeCode submits an MFA response over the same CCC session and
// applies whatever AuthResponse comes back, which may itself be another
// challenge.
func (c *sslConnector) ChallengeCode(ctx context.Context, session *model.VpnSession, code string) (*model.VpnSession, error) {
	if c.client == nil {
		return nil, apperrors.NotChallengeState()
	}
	resp, err := c.client.ChallengeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("connector: challenge code: %w", err)
	}
	return c.applyAuthResponse(session, resp)
}

// applyAuthResponse maps one CCC AuthResponse onto the session's state:
// a still-pending authn_status means another MFA round, an active key
// means success.
func (c *sslConnector) applyAuthResponse(session *model.VpnSession, resp *ccc.AuthResponse) (*model.VpnSession, error) {
	if resp.ActiveKey != nil && *resp.ActiveKey != "" {
		session.State = model.SessionState{Kind: model.SessionStateAuthenticated, ActiveKey: *resp.ActiveKey}
		if resp.SessionID != nil {
			session.CCCSessionID = *resp.SessionID
		}
		c.signalReady(session)
		return session, nil
	}

	switch resp.AuthnStatus {
	case "done":
		return nil, apperrors.AuthFailed("authenticated response carried no active key")
	case "":
		if resp.ErrorMessage != nil {
			return nil, apperrors.AuthFailed(*resp.ErrorMessage)
		}
		return nil, apperrors.AuthFailed("empty authn_status")
	default:
		prompt, _ := resp.DecodedPrompt()
		if prompt == "" {
			return nil, apperrors.NoChallengePrompt()
		}
		challenge := &model.MfaChallenge{Type: model.MfaTypeFromID(resp.AuthnStatus), Prompt: prompt}
		session.State = model.SessionState{Kind: model.SessionStatePendingChallenge, Challenge: challenge}
		return session, nil
	}
}

func (c *sslConnector) signalReady(session *model.VpnSession) {
	select {
	case c.ready <- session:
	default:
	}
}

// Run waits for a completed authentication, opens the TLS record-layer
// tunnel with the negotiated active key as its cookie, sizes the tun
// device for the office-mode lease HelloReply returns, and then drives
// the tunnel and its periodic re-authentication loop until it exits.
func (c *sslConnector) Run(ctx context.Context, a *actor.Actor) error {
	var session *model.VpnSession
	select {
	case session = <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	ifName := c.params.IfName
	if ifName == "" {
		ifName = model.DefaultSslIfName
	}
	c.tunDeviceName = ifName

	t, assigned, err := c.createTunnel(ctx, session, ifName)
	if err != nil {
		_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "failed", Err: err})
		return err
	}

	c.mu.Lock()
	c.runningTun = t
	c.mu.Unlock()

	session.IpsecSession = &model.IpsecSession{Address: assigned, Netmask: defaultSslNetmask}
	if err := applyRoutingAndDNS(ctx, c.factory, c.params, net.ParseIP(c.params.ServerName), ifName, session, nil); err != nil {
		logger.L().Warn("connector: ssl routing/dns setup failed", zap.Error(err))
	}

	info := &model.ConnectionInfo{
		Since:         time.Now(),
		ServerName:    c.params.ServerName,
		UserName:      c.params.UserName,
		TunnelType:    c.params.TunnelType,
		TransportType: c.params.TransportType,
		AssignedIP:    assigned,
		InterfaceName: ifName,
	}
	if err := a.SetStatus(ctx, model.StatusConnectedValue(info)); err != nil {
		return err
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- t.Run(ctx) }()

	reauthAt := time.Duration(0)
	if session.State.Kind == model.SessionStateAuthenticated {
		reauthAt = c.params.IkeLifetime
	}
	if reauthAt <= sslReauthLeeway {
		reauthAt = model.DefaultIkeLifetime
	}
	timer := time.NewTimer(reauthAt - sslReauthLeeway)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErrCh:
			_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "failed", Err: err})
			return err
		case <-timer.C:
			if err := c.reauth(ctx); err != nil {
				logger.L().Warn("connector: ssl reauth failed", zap.Error(err))
			}
			timer.Reset(reauthAt - sslReauthLeeway)
			_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "rekeyed", Session: session.IpsecSession})
		}
	}
}

func (c *sslConnector) createTunnel(ctx context.Context, session *model.VpnSession, ifName string) (tunnel.Tunnel, net.IP, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: c.params.IgnoreServerCert} //nolint:gosec // user-requested override

	handshake, err := tunnel.DialSSLHandshake(ctx, c.params.ServerName, tlsConfig, session.ActiveKey())
	if err != nil {
		return nil, nil, fmt.Errorf("connector: ssl handshake: %w", err)
	}

	assigned := handshake.AssignedIP
	if assigned == nil {
		handshake.Close()
		return nil, nil, fmt.Errorf("connector: ssl handshake carried no office-mode address")
	}

	device, err := c.factory.NewTunDevice(ifName, assigned, defaultSslNetmask)
	if err != nil {
		handshake.Close()
		return nil, nil, fmt.Errorf("connector: create tun device: %w", err)
	}

	return tunnel.NewSSLTunnel(handshake, device), assigned, nil
}

// reauth re-runs Authenticate's CCC round trip, reusing whatever
// credentials were originally supplied. The fresh active key in the reply
// is discarded; the running tunnel keeps serving traffic on its existing
// TLS connection between reauth cycles.
func (c *sslConnector) reauth(ctx context.Context) error {
	if c.client == nil {
		return apperrors.NotChallengeState()
	}
	_, err := c.client.Authenticate(ctx)
	return err
}

// DeleteSession tells the gateway to drop the CCC session; best effort.
func (c *sslConnector) DeleteSession(ctx context.Context) {
	if c.client == nil {
		return
	}
	_ = c.client.Signout(ctx)
}

// TerminateTunnel stops the running tunnel, if any.
func (c *sslConnector) TerminateTunnel(ctx context.Context, sendDelete bool) error {
	if sendDelete {
		c.DeleteSession(ctx)
	}

	c.mu.Lock()
	t := c.runningTun
	c.runningTun = nil
	c.mu.Unlock()

	var tunErr error
	if t != nil {
		tunErr = t.Close()
	}
	if c.factory != nil && c.tunDeviceName != "" {
		_ = c.factory.DeleteDevice(ctx, c.tunDeviceName)
	}
	return tunErr
}

// HandleTunnelEvent reacts to an event the running tunnel reported; the
// reauth/failed events are already folded into Run's own select loop.
func (c *sslConnector) HandleTunnelEvent(ctx context.Context, event actor.TunnelEvent) error {
	logger.L().Debug("connector: ssl tunnel event", zap.String("kind", event.Kind), zap.Error(event.Err))
	return nil
}
