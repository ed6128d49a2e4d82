package connector

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"backend/internal/actor"
	"backend/internal/apperrors"
	"backend/internal/isakmp"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/persistence"
	"backend/internal/tunnel"
)

// maxConsecutiveChallenges bounds the MFA loop against a gateway that
// never stops prompting any kind of challenge; a repeated UserName
// challenge specifically is rejected immediately by continueAttributes
// rather than waiting for this counter to trip.
const maxConsecutiveChallenges = 10

// challengeTimeout bounds how long SendAttribute waits for the gateway's
// reply to one submitted MFA response.
const challengeTimeout = 120 * time.Second

// ipsecConnector drives the IKEv1 office-mode login and owns the
// resulting ESP tunnel: phase 1/2 negotiation, the MFA loop carried over
// ISAKMP configuration attributes (not CCC HTTP — that channel belongs
// to sslConnector only), office-mode lease acquisition, and periodic ESP
// rekeying for the life of the connection.
type ipsecConnector struct {
	params  *model.TunnelParams
	factory Factory
	store   *persistence.Store

	gatewayAddress net.IP
	localAddress   net.IP
	transport      isakmp.Transport
	service        *isakmp.Service

	lastIdentifier    uint16
	lastMessageID     uint32
	lastChallengeKind isakmp.ConfigAttributeType
	challengeCount    int

	ready chan *model.VpnSession // closed-over by Authenticate, written by ChallengeCode/Authenticate once

	mu           sync.Mutex
	runningTun   tunnel.Tunnel
	tunDeviceName string
}

func newIpsecConnector(deps Deps) *ipsecConnector {
	return &ipsecConnector{
		params:  deps.Params,
		factory: deps.Factory,
		store:   deps.Store,
		ready:   make(chan *model.VpnSession, 1),
	}
}

// Authenticate resolves the gateway, opens the control channel, and runs
// phase 1 plus the first round of identity protection. The returned
// session is either Authenticated (no MFA required) or
// PendingChallenge; DeleteSession/TerminateTunnel on a failed attempt are
// the caller's responsibility via actor.Reset.
func (c *ipsecConnector) Authenticate(ctx context.Context) (*model.VpnSession, error) {
	if err := c.seedIkeSession(ctx); err != nil {
		return nil, err
	}

	req := isakmp.IdentityRequest{AuthBlob: buildAuthBlob(c.params), WithMFA: true}
	attrs, msgID, err := c.service.DoIdentityProtection(ctx, req)
	if err != nil {
		return nil, err
	}
	c.lastMessageID = msgID

	if attrs == nil {
		return c.completeSession(ctx, model.EmptyVpnSession(), "")
	}
	return c.continueAttributes(ctx, model.EmptyVpnSession(), attrs)
}

// seedIkeSession resolves the gateway, opens a fresh control channel, and
// runs phase 1 (SA proposal + key exchange) so c.service is ready for
// identity protection. Shared by Authenticate and the restore path, which
// both need a live phase-1 SA before anything else can happen.
func (c *ipsecConnector) seedIkeSession(ctx context.Context) error {
	gatewayIP, err := resolveGatewayIPv4(c.params.ServerName)
	if err != nil {
		return err
	}
	c.gatewayAddress = gatewayIP

	useTCPT := c.params.TransportType == model.TransportTcpt
	transport, localIP, err := dialControlTransport(ctx, gatewayIP, useTCPT)
	if err != nil {
		return fmt.Errorf("connector: open control channel: %w", err)
	}
	c.transport = transport
	c.localAddress = localIP

	identity := isakmp.Identity{None: true}
	if c.params.CertType != model.CertTypeNone {
		identity = isakmp.Identity{Pkcs12: &isakmp.Pkcs12Identity{Password: c.params.CertPassword}}
	}
	session, err := isakmp.NewSession(identity, isakmp.SessionInitiator)
	if err != nil {
		return err
	}
	service, err := isakmp.NewService(c.transport, session)
	if err != nil {
		return err
	}
	c.service = service

	if err := service.DoSaProposal(ctx, c.params.IkeLifetime); err != nil {
		return err
	}

	localStr := ""
	if c.localAddress != nil {
		localStr = c.localAddress.String()
	}
	return service.DoKeyExchange(ctx, localStr, gatewayIP.String())
}

// RestoreSession loads the persisted office-mode lease for this
// profile/server pair, seeds a fresh IKE session, and tries the
// lightweight restore path: a single OM exchange hinting the previous
// address, skipping the MFA loop entirely (a gateway that still demands
// a challenge here just fails the restore, same as a corrupted row).
// If the OM exchange itself fails after phase 1 succeeds, it falls back
// to reusing the persisted lease verbatim and negotiating ESP SAs alone.
// Only when both attempts fail does it drop the persisted row and run a
// full Authenticate.
func (c *ipsecConnector) RestoreSession(ctx context.Context) (*model.VpnSession, error) {
	session, err := c.doRestoreSession(ctx)
	if err == nil {
		return session, nil
	}
	logger.L().Warn("connector: session restore failed, falling back to full authentication", zap.Error(err))
	if c.store != nil {
		_ = c.store.Delete(ctx, c.params.ProfileID.String(), c.params.ServerName)
	}
	return c.Authenticate(ctx)
}

func (c *ipsecConnector) doRestoreSession(ctx context.Context) (*model.VpnSession, error) {
	if c.store == nil {
		return nil, apperrors.NoIpsecSession()
	}
	data, err := c.store.Load(ctx, c.params.ProfileID.String(), c.params.ServerName)
	if err != nil {
		return nil, fmt.Errorf("connector: load persisted session: %w", err)
	}

	ikeSession, err := isakmp.NewSession(isakmp.Identity{None: true}, isakmp.SessionInitiator)
	if err != nil {
		return nil, err
	}
	om, err := ikeSession.Load(data)
	if err != nil {
		return nil, fmt.Errorf("connector: decode persisted session: %w", err)
	}
	if om.CCCSession == "" {
		return nil, fmt.Errorf("connector: persisted session carries no ccc session id")
	}

	if err := c.seedIkeSession(ctx); err != nil {
		return nil, err
	}

	req := isakmp.IdentityRequest{AuthBlob: buildAuthBlob(c.params), WithMFA: true}
	attrs, msgID, err := c.service.DoIdentityProtection(ctx, req)
	if err != nil {
		return nil, err
	}
	c.lastMessageID = msgID
	if attrs != nil {
		return nil, apperrors.AuthFailed("gateway requires a fresh MFA round, cannot restore")
	}

	session, err := c.completeSession(ctx, model.EmptyVpnSession(), om.IPAddress)
	if err == nil {
		return session, nil
	}
	logger.L().Warn("connector: office-mode exchange failed during restore, reusing persisted lease", zap.Error(err))

	return c.restoreFromSnapshot(ctx, om)
}

// restoreFromSnapshot skips the OM exchange entirely and negotiates ESP
// SAs directly against the address/netmask/CCC session id the previous
// run persisted, the fallback spec §4.1's session restore calls for when
// the gateway won't repeat the OM step on a still-live phase-1 SA.
func (c *ipsecConnector) restoreFromSnapshot(ctx context.Context, om *isakmp.OfficeMode) (*model.VpnSession, error) {
	address := net.ParseIP(om.IPAddress).To4()
	netmask := net.ParseIP(om.Netmask).To4()
	if address == nil || netmask == nil {
		return nil, fmt.Errorf("connector: persisted session has no usable office-mode lease")
	}

	ipsecSession := &model.IpsecSession{
		Address: address,
		Netmask: netmask,
		Domains: om.Domains,
	}
	for _, dns := range om.DNS {
		if ip := net.ParseIP(dns); ip != nil {
			ipsecSession.DNS = append(ipsecSession.DNS, ip)
		}
	}

	espAttrs, err := c.service.DoEspProposal(ctx, address.String(), c.params.EspLifetime)
	if err != nil {
		return nil, fmt.Errorf("connector: esp-only restore proposal: %w", err)
	}
	if lifetime, ok := findLong(espAttrs, isakmp.EspAttributeLifeDuration); ok && len(lifetime) == 4 {
		ipsecSession.Lifetime = time.Duration(beUint32(lifetime)) * time.Second
	} else {
		ipsecSession.Lifetime = c.params.EspLifetime
	}
	ipsecSession.EspIn = espInPtr(c.service.Session().EspIn())
	ipsecSession.EspOut = espOutPtr(c.service.Session().EspOut())

	session := model.EmptyVpnSession()
	session.CCCSessionID = om.CCCSession
	session.IpsecSession = ipsecSession
	session.State = model.SessionState{Kind: model.SessionStateAuthenticated, ActiveKey: om.CCCSession}

	c.persistOfficeMode(ctx, om.CCCSession, ipsecSession)
	c.signalReady(session)
	return session, nil
}

// continueAttributes inspects one attributes reply: a Status attribute
// means success or failure, its absence means the gateway is asking for
// another MFA round. A challenge attribute kind of UserName is handled
// specially: two in a row is always EndlessChallenges (the gateway
// repeating the same prompt means it rejected the last username), a
// configured username answers it automatically without surfacing a
// prompt, and only an unconfigured username reaches the caller as
// PendingChallenge(UserNameInput).
func (c *ipsecConnector) continueAttributes(ctx context.Context, session *model.VpnSession, attrs *isakmp.AttributesPayload) (*model.VpnSession, error) {
	c.lastIdentifier = attrs.Identifier

	if status, ok := findShort(attrs.Attributes, isakmp.ConfigAttributeStatus); ok {
		if status != 1 {
			return nil, apperrors.AuthFailed(fmt.Sprintf("gateway status %d", status))
		}
		return c.completeSession(ctx, session, "")
	}

	kind := attrs.ChallengeAttributeKind()
	if kind == isakmp.ConfigAttributeUserName && c.lastChallengeKind == isakmp.ConfigAttributeUserName {
		return nil, apperrors.EndlessChallenges(c.challengeCount)
	}
	c.lastChallengeKind = kind

	raw, ok := findLong(attrs.Attributes, isakmp.ConfigAttributeChallenge)
	if !ok {
		return nil, apperrors.NoChallengePrompt()
	}
	challenge, err := decodeChallengeAttr(raw)
	if err != nil {
		return nil, err
	}

	c.challengeCount++
	if c.challengeCount > maxConsecutiveChallenges {
		return nil, apperrors.EndlessChallenges(c.challengeCount)
	}

	if kind == isakmp.ConfigAttributeUserName {
		if c.params.UserName != "" {
			return c.ChallengeCode(ctx, session, c.params.UserName)
		}
		challenge.Type = model.MfaUserNameInput
	}

	session.State = model.SessionState{Kind: model.SessionStatePendingChallenge, Challenge: challenge}
	return session, nil
}

// ChallengeCode answers an outstanding MFA prompt over the same ISAKMP
// attribute exchange the challenge arrived on, then either returns
// another pending challenge or completes the office-mode/ESP exchange
// and signals the waiting Run goroutine via c.ready.
func (c *ipsecConnector) ChallengeCode(ctx context.Context, session *model.VpnSession, code string) (*model.VpnSession, error) {
	if c.service == nil {
		return nil, apperrors.NotChallengeState()
	}

	attrs, msgID, err := c.service.SendAttribute(ctx, c.lastIdentifier, c.lastMessageID, c.lastChallengeKind, []byte(code), challengeTimeout)
	if err != nil {
		return nil, err
	}
	c.lastMessageID = msgID

	return c.continueAttributes(ctx, session, attrs)
}

// completeSession acks the successful identity-protection exchange,
// requests the office-mode lease (optionally hinting a previously-leased
// address so the gateway re-assigns the same one on restore), negotiates
// the first pair of ESP SAs, persists the resulting office-mode state,
// and signals Run that a tunnel can now be built.
func (c *ipsecConnector) completeSession(ctx context.Context, session *model.VpnSession, prevAddress string) (*model.VpnSession, error) {
	if err := c.service.SendAckResponse(ctx, c.lastIdentifier, c.lastMessageID); err != nil {
		return nil, err
	}

	machineID := ""
	if c.factory != nil {
		if mid := c.factory.MachineID(); mid != nil {
			if v, err := mid.Get(ctx); err == nil {
				machineID = v
			}
		}
	}
	omReply, err := c.service.SendOmRequest(ctx, prevAddress, []byte(machineID))
	if err != nil {
		return nil, err
	}

	ipsecSession, cccSessionID, err := c.decodeOfficeMode(omReply)
	if err != nil {
		return nil, err
	}

	espAttrs, err := c.service.DoEspProposal(ctx, ipsecSession.Address.String(), c.params.EspLifetime)
	if err != nil {
		return nil, err
	}
	if lifetime, ok := findLong(espAttrs, isakmp.EspAttributeLifeDuration); ok && len(lifetime) == 4 {
		ipsecSession.Lifetime = time.Duration(beUint32(lifetime)) * time.Second
	} else {
		ipsecSession.Lifetime = c.params.EspLifetime
	}
	ipsecSession.EspIn = espInPtr(c.service.Session().EspIn())
	ipsecSession.EspOut = espOutPtr(c.service.Session().EspOut())

	session.CCCSessionID = cccSessionID
	session.IpsecSession = ipsecSession
	session.State = model.SessionState{Kind: model.SessionStateAuthenticated, ActiveKey: cccSessionID}

	c.persistOfficeMode(ctx, cccSessionID, ipsecSession)
	c.signalReady(session)
	return session, nil
}

// persistOfficeMode saves the office-mode lease just negotiated (whether
// from a fresh OM exchange or reused from a restore snapshot) so the next
// connect attempt for this profile/server pair can try RestoreSession.
func (c *ipsecConnector) persistOfficeMode(ctx context.Context, cccSessionID string, ipsecSession *model.IpsecSession) {
	if c.store == nil {
		return
	}
	dns := make([]string, 0, len(ipsecSession.DNS))
	for _, ip := range ipsecSession.DNS {
		dns = append(dns, ip.String())
	}
	om, err := c.service.Session().Save(&isakmp.OfficeMode{
		CCCSession: cccSessionID,
		Username:   c.params.UserName,
		IPAddress:  ipsecSession.Address.String(),
		Netmask:    ipsecSession.Netmask.String(),
		DNS:        dns,
		Domains:    ipsecSession.Domains,
	})
	if err != nil {
		return
	}
	expiry := time.Now().Add(ipsecSession.Lifetime)
	_ = c.store.Save(ctx, c.params.ProfileID.String(), c.params.ServerName, om, expiry)
}

func (c *ipsecConnector) signalReady(session *model.VpnSession) {
	select {
	case c.ready <- session:
	default:
	}
}

func (c *ipsecConnector) decodeOfficeMode(reply *isakmp.AttributesPayload) (*model.IpsecSession, string, error) {
	addr, ok := findLong(reply.Attributes, isakmp.ConfigAttributeIpv4Address)
	if !ok || len(addr) != 4 {
		return nil, "", fmt.Errorf("connector: office mode reply missing address")
	}
	netmask, ok := findLong(reply.Attributes, isakmp.ConfigAttributeIpv4Netmask)
	if !ok || len(netmask) != 4 {
		return nil, "", fmt.Errorf("connector: office mode reply missing netmask")
	}

	var dns []net.IP
	for _, raw := range allLong(reply.Attributes, isakmp.ConfigAttributeIpv4Dns) {
		if len(raw) == 4 {
			dns = append(dns, net.IP(raw))
		}
	}
	var domains []string
	for _, raw := range allLong(reply.Attributes, isakmp.ConfigAttributeInternalDomainName) {
		domains = append(domains, string(raw))
	}

	cccSessionID := ""
	if raw, ok := findLong(reply.Attributes, isakmp.ConfigAttributeCccSessionID); ok {
		cccSessionID = string(raw)
	}

	return &model.IpsecSession{
		Address: net.IP(addr),
		Netmask: net.IP(netmask),
		DNS:     dns,
		Domains: domains,
	}, cccSessionID, nil
}

// Run waits for ChallengeCode/Authenticate to complete the session (or
// for ctx to be cancelled first), builds the transport-appropriate
// tunnel, drives it until it exits, and runs the background rekey loop
// alongside it.
func (c *ipsecConnector) Run(ctx context.Context, a *actor.Actor) error {
	var session *model.VpnSession
	select {
	case session = <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	t, err := c.createTunnel(ctx, session)
	if err != nil {
		_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "failed", Err: err})
		return err
	}

	c.mu.Lock()
	c.runningTun = t
	c.mu.Unlock()

	info := &model.ConnectionInfo{
		Since:         time.Now(),
		ServerName:    c.params.ServerName,
		UserName:      c.params.UserName,
		TunnelType:    c.params.TunnelType,
		TransportType: c.params.TransportType,
		AssignedIP:    session.IpsecSession.Address,
		DNSServers:    session.IpsecSession.DNS,
		SearchDomains: session.IpsecSession.Domains,
		InterfaceName: c.tunDeviceName,
	}
	if err := a.SetStatus(ctx, model.StatusConnectedValue(info)); err != nil {
		return err
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- t.Run(ctx) }()

	rekeyAt := session.IpsecSession.Lifetime - rekeyLeeway
	if rekeyAt <= 0 {
		rekeyAt = session.IpsecSession.Lifetime
	}
	timer := time.NewTimer(rekeyAt)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErrCh:
			_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "failed", Err: err})
			return err
		case <-timer.C:
			if err := c.rekey(ctx, session); err != nil {
				logger.L().Warn("connector: esp rekey failed", zap.Error(err))
			}
			timer.Reset(session.IpsecSession.Lifetime - rekeyLeeway)
			_ = a.HandleTunnelEvent(ctx, actor.TunnelEvent{Kind: "rekeyed", Session: session.IpsecSession})
		}
	}
}

// rekey runs a fresh quick-mode exchange and installs the new SAs into
// the running tunnel without a traffic gap. On variants that expose
// DropOldInbound (the user-space ones) the old inbound SA is dropped 5 s
// later, once in-flight packets encrypted under it have drained.
func (c *ipsecConnector) rekey(ctx context.Context, session *model.VpnSession) error {
	attrs, err := c.service.DoEspProposal(ctx, session.IpsecSession.Address.String(), c.params.EspLifetime)
	if err != nil {
		return err
	}
	if lifetime, ok := findLong(attrs, isakmp.EspAttributeLifeDuration); ok && len(lifetime) == 4 {
		session.IpsecSession.Lifetime = time.Duration(beUint32(lifetime)) * time.Second
	}
	session.IpsecSession.EspIn = espInPtr(c.service.Session().EspIn())
	session.IpsecSession.EspOut = espOutPtr(c.service.Session().EspOut())

	c.mu.Lock()
	t := c.runningTun
	c.mu.Unlock()

	rekeyer, ok := t.(tunnel.Rekeyer)
	if !ok {
		return apperrors.NoSender()
	}
	if err := rekeyer.Rekey(ctx, session.IpsecSession); err != nil {
		return err
	}

	if dropper, ok := t.(interface{ DropOldInbound() }); ok {
		time.AfterFunc(5*time.Second, dropper.DropOldInbound)
	}
	return nil
}

// DeleteSession tells the gateway to drop the phase-1/phase-2 SAs; best
// effort, matching the original's "fire and forget" delete on teardown.
func (c *ipsecConnector) DeleteSession(ctx context.Context) {
	if c.service == nil {
		return
	}
	_ = c.service.DeleteSA(ctx)
}

// TerminateTunnel stops the running tunnel (if any) and closes the
// ISAKMP control channel, optionally sending a delete notification
// first.
func (c *ipsecConnector) TerminateTunnel(ctx context.Context, sendDelete bool) error {
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
	if c.service != nil {
		_ = c.service.Close()
	}
	if c.factory != nil && c.tunDeviceName != "" {
		_ = c.factory.DeleteDevice(ctx, c.tunDeviceName)
	}
	return tunErr
}

// HandleTunnelEvent reacts to an event the running tunnel reported
// (currently just logged; the rekey/failed events are already folded
// into Run's own select loop and surfaced to the actor there).
func (c *ipsecConnector) HandleTunnelEvent(ctx context.Context, event actor.TunnelEvent) error {
	logger.L().Debug("connector: tunnel event", zap.String("kind", event.Kind), zap.Error(event.Err))
	return nil
}

func findShort(attrs []isakmp.Attribute, t isakmp.ConfigAttributeType) (uint16, bool) {
	for _, a := range attrs {
		if isakmp.ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsShort(); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func findLong(attrs []isakmp.Attribute, t isakmp.ConfigAttributeType) ([]byte, bool) {
	for _, a := range attrs {
		if isakmp.ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsLong(); ok {
				return v, true
			}
		}
	}
	return nil, false
}

func allLong(attrs []isakmp.Attribute, t isakmp.ConfigAttributeType) [][]byte {
	var out [][]byte
	for _, a := range attrs {
		if isakmp.ConfigAttributeType(a.Type) == t {
			if v, ok := a.AsLong(); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func espInPtr(m model.EspCryptMaterial) *model.EspCryptMaterial  { return &m }
func espOutPtr(m model.EspCryptMaterial) *model.EspCryptMaterial { return &m }
