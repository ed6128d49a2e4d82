package connector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backend/internal/apperrors"
	"backend/internal/isakmp"
	"backend/internal/model"
	"backend/internal/persistence"
)

func openRestoreTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ike-sessions.db")
	store, err := persistence.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRestoreTestConnector(store *persistence.Store) *ipsecConnector {
	params := &model.TunnelParams{
		ProfileID:  uuid.New(),
		ServerName: "vpn.example.com",
		UserName:   "alice",
	}
	return newIpsecConnector(Deps{Params: params, Store: store})
}

func saveOfficeMode(t *testing.T, c *ipsecConnector, om *isakmp.OfficeMode) {
	t.Helper()
	session, err := isakmp.NewSession(isakmp.Identity{None: true}, isakmp.SessionInitiator)
	require.NoError(t, err)
	data, err := session.Save(om)
	require.NoError(t, err)
	err = c.store.Save(context.Background(), c.params.ProfileID.String(), c.params.ServerName, data, time.Now().Add(time.Hour))
	require.NoError(t, err)
}

// doRestoreSession reads the persisted row before anything else; these
// cases exercise that read/decode/validate path without a live ISAKMP
// backend, which the fresh-OM and snapshot branches further downstream
// require.

func TestDoRestoreSessionWithNoStoreReturnsNoIpsecSession(t *testing.T) {
	c := newRestoreTestConnector(nil)

	_, err := c.doRestoreSession(context.Background())

	assert.ErrorIs(t, err, apperrors.NoIpsecSession())
}

func TestDoRestoreSessionWithNoPersistedRowErrors(t *testing.T) {
	store := openRestoreTestStore(t)
	c := newRestoreTestConnector(store)

	_, err := c.doRestoreSession(context.Background())

	assert.Error(t, err)
}

func TestDoRestoreSessionRejectsCorruptPersistedData(t *testing.T) {
	store := openRestoreTestStore(t)
	c := newRestoreTestConnector(store)
	require.NoError(t, store.Save(context.Background(), c.params.ProfileID.String(), c.params.ServerName,
		[]byte("not json"), time.Now().Add(time.Hour)))

	_, err := c.doRestoreSession(context.Background())

	assert.ErrorContains(t, err, "decode persisted session")
}

func TestDoRestoreSessionRejectsLeaseWithNoCccSessionID(t *testing.T) {
	store := openRestoreTestStore(t)
	c := newRestoreTestConnector(store)
	saveOfficeMode(t, c, &isakmp.OfficeMode{IPAddress: "10.0.0.5", Netmask: "255.255.255.0"})

	_, err := c.doRestoreSession(context.Background())

	assert.ErrorContains(t, err, "no ccc session id")
}

// RestoreSession falls back to a full Authenticate when the restore
// attempt fails and clears the now-suspect persisted row first.

func TestRestoreSessionDeletesPersistedRowBeforeFallingBackWhenGatewayUnreachable(t *testing.T) {
	store := openRestoreTestStore(t)
	c := newRestoreTestConnector(store)
	// A literal IPv6 server name makes resolveGatewayIPv4 inside
	// seedIkeSession fail synchronously (no IPv4 story, no DNS lookup),
	// so the restore attempt fails deterministically and without network.
	c.params.ServerName = "2001:db8::1"
	saveOfficeMode(t, c, &isakmp.OfficeMode{CCCSession: "sess-1", IPAddress: "10.0.0.5", Netmask: "255.255.255.0"})

	_, err := c.RestoreSession(context.Background())

	assert.Error(t, err)
	_, loadErr := store.Load(context.Background(), c.params.ProfileID.String(), c.params.ServerName)
	assert.Error(t, loadErr, "restore failure must delete the stale row before falling through to Authenticate")
}

// restoreFromSnapshot is the ESP-only fallback taken when phase 1 still
// holds but the gateway won't repeat the OM exchange; its address/netmask
// validation runs before anything touches the live ISAKMP service.

func TestRestoreFromSnapshotRejectsUnparsableAddress(t *testing.T) {
	c := newRestoreTestConnector(nil)

	_, err := c.restoreFromSnapshot(context.Background(), &isakmp.OfficeMode{
		CCCSession: "sess-1", IPAddress: "not-an-ip", Netmask: "255.255.255.0",
	})

	assert.ErrorContains(t, err, "no usable office-mode lease")
}

func TestRestoreFromSnapshotRejectsMissingNetmask(t *testing.T) {
	c := newRestoreTestConnector(nil)

	_, err := c.restoreFromSnapshot(context.Background(), &isakmp.OfficeMode{
		CCCSession: "sess-1", IPAddress: "10.0.0.5",
	})

	assert.ErrorContains(t, err, "no usable office-mode lease")
}

// continueAttributes' UserName-kind handling: a repeated UserName
// challenge fails immediately (before touching the ISAKMP service), and
// an unconfigured username surfaces as PendingChallenge(UserNameInput);
// both return ahead of the one branch (the auto-answer) that needs a
// live service.

func userNameChallengeAttrs() *isakmp.AttributesPayload {
	body := append([]byte("ignored log line"), 0)
	body = append(body, []byte(`(msg_obj
	:authentication_state (challenge)
	:arguments (
		: (:val (msg_obj
			:id (CPSC_PWD)
			:def_msg ("Enter your username:")
		))
	)
)`)...)
	return &isakmp.AttributesPayload{
		Attributes: []isakmp.Attribute{
			{Type: uint16(isakmp.ConfigAttributeUserName), Format: isakmp.AttributeFormatShort, Short: 0},
			{Type: uint16(isakmp.ConfigAttributeChallenge), Format: isakmp.AttributeFormatLong, Long: body},
		},
	}
}

func TestContinueAttributesRejectsRepeatedUserNameChallenge(t *testing.T) {
	c := newRestoreTestConnector(nil)
	c.lastChallengeKind = isakmp.ConfigAttributeUserName

	_, err := c.continueAttributes(context.Background(), model.EmptyVpnSession(), userNameChallengeAttrs())

	assert.ErrorIs(t, err, apperrors.EndlessChallenges(0))
}

func TestContinueAttributesEmitsUserNameInputWhenUnconfigured(t *testing.T) {
	c := newRestoreTestConnector(nil)
	c.params.UserName = ""

	session, err := c.continueAttributes(context.Background(), model.EmptyVpnSession(), userNameChallengeAttrs())

	require.NoError(t, err)
	require.Equal(t, model.SessionStatePendingChallenge, session.State.Kind)
	assert.Equal(t, model.MfaUserNameInput, session.State.Challenge.Type)
}
