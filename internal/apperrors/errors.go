// Package apperrors provides the hierarchical error system used across the
// connector, tunnel, and control-channel packages. It mirrors a structured
// error with a stable code, category, recoverability flag, and contextual
// data, so callers can branch on identity with errors.Is/As instead of
// string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Category groups errors by the subsystem that raised them.
type Category string

const (
	CategoryAuth       Category = "auth"       // MFA/credential/identity failures
	CategorySession    Category = "session"    // connection/session lifecycle errors
	CategoryTransport  Category = "transport"  // ESP/TCPT/UDP/XFRM transport errors
	CategoryPlatform   Category = "platform"   // socket/kernel/routing adapter errors
	CategoryValidation Category = "validation" // bad TunnelParams / missing material
	CategoryInternal   Category = "internal"   // actor/IPC plumbing errors
)

// Stable error codes. Each maps onto an identifier named in the connector
// specification; callers match on these with errors.Is, never on message
// text.
const (
	CodeNoIPv4ForServer          = "A100"
	CodeIdentityTimeout          = "A101"
	CodeAuthFailed               = "A102"
	CodeNotChallengeState        = "A103"
	CodeEndlessChallenges        = "A104"
	CodeNoChallengePrompt        = "A105"
	CodeNoIpsecSession           = "S200"
	CodeConnectionCancelled      = "S201"
	CodeAnotherConnectionActive  = "S202"
	CodeInvalidTransport         = "T300"
	CodeNoSender                 = "T301"
	CodeReceiveFailed            = "T302"
	CodeKeepaliveFailed          = "T303"
	CodeUdpEncapFailed           = "P400"
	CodeSoNoCheckFailed          = "P401"
	CodeCertMaterialMissing      = "V500"
)

// VpnError is the base error type for every connector-originated failure.
type VpnError struct {
	Code        string
	Category    Category
	Message     string
	Recoverable bool
	Context     map[string]interface{}
	Cause       error
}

func (e *VpnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VpnError) Unwrap() error {
	return e.Cause
}

// Is compares by stable code, so wrapped/contextualized copies still match.
func (e *VpnError) Is(target error) bool {
	var t *VpnError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext returns a shallow copy carrying an extra context key.
func (e *VpnError) WithContext(key string, value interface{}) *VpnError {
	newErr := *e
	newCtx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		newCtx[k] = v
	}
	newCtx[key] = value
	newErr.Context = newCtx
	return &newErr
}

// WithCause returns a shallow copy with an underlying cause attached.
func (e *VpnError) WithCause(cause error) *VpnError {
	newErr := *e
	newErr.Cause = cause
	return &newErr
}

func newErr(code string, category Category, recoverable bool, message string) *VpnError {
	return &VpnError{
		Code:        code,
		Category:    category,
		Message:     message,
		Recoverable: recoverable,
		Context:     make(map[string]interface{}),
	}
}

// Constructors, one per identifier named in the connector specification.

func NoIPv4ForServer(serverName string) *VpnError {
	return newErr(CodeNoIPv4ForServer, CategoryAuth, true, "no IPv4 address found for server").
		WithContext("serverName", serverName)
}

func IdentityTimeout() *VpnError {
	return newErr(CodeIdentityTimeout, CategoryAuth, true, "timed out waiting for identity response")
}

func AuthFailed(reason string) *VpnError {
	return newErr(CodeAuthFailed, CategoryAuth, true, "authentication failed").
		WithContext("reason", reason)
}

// NotChallengeState is returned when ChallengeCode is invoked while the
// connector holds no pending MFA challenge.
func NotChallengeState() *VpnError {
	return newErr(CodeNotChallengeState, CategoryAuth, true, "not in a challenge state")
}

// EndlessChallenges guards against a gateway that never stops prompting.
func EndlessChallenges(count int) *VpnError {
	return newErr(CodeEndlessChallenges, CategoryAuth, false, "too many consecutive MFA challenges").
		WithContext("count", count)
}

func NoChallengePrompt() *VpnError {
	return newErr(CodeNoChallengePrompt, CategoryAuth, true, "challenge response carried no prompt text")
}

func NoIpsecSession() *VpnError {
	return newErr(CodeNoIpsecSession, CategorySession, true, "no active IPsec session")
}

func ConnectionCancelled() *VpnError {
	return newErr(CodeConnectionCancelled, CategorySession, true, "connection attempt was cancelled")
}

func AnotherConnectionInProgress() *VpnError {
	return newErr(CodeAnotherConnectionActive, CategorySession, true, "another connection attempt is already in progress")
}

func InvalidTransport(transport string) *VpnError {
	return newErr(CodeInvalidTransport, CategoryTransport, false, "invalid or unsupported transport").
		WithContext("transport", transport)
}

func NoSender() *VpnError {
	return newErr(CodeNoSender, CategoryTransport, false, "tunnel has no command sender registered")
}

func ReceiveFailed(cause error) *VpnError {
	return newErr(CodeReceiveFailed, CategoryTransport, true, "failed to receive packet").WithCause(cause)
}

func KeepaliveFailed(cause error) *VpnError {
	return newErr(CodeKeepaliveFailed, CategoryTransport, true, "keepalive send failed").WithCause(cause)
}

func UdpEncapFailed(cause error) *VpnError {
	return newErr(CodeUdpEncapFailed, CategoryPlatform, false, "failed to set UDP ESP-in-UDP encapsulation").WithCause(cause)
}

func SoNoCheckFailed(cause error) *VpnError {
	return newErr(CodeSoNoCheckFailed, CategoryPlatform, false, "failed to disable UDP checksum validation").WithCause(cause)
}

// CertMaterialMissing covers the several "missing X" variants (cert path,
// private key, CA bundle, PKCS#11 id) by parameterizing on "what".
func CertMaterialMissing(what string) *VpnError {
	return newErr(CodeCertMaterialMissing, CategoryValidation, false, "required certificate material is missing").
		WithContext("what", what)
}

// Helper predicates, mirroring errors.Is/As ergonomics used throughout the
// connector and tunnel packages.

func AsVpnError(err error) *VpnError {
	var v *VpnError
	if errors.As(err, &v) {
		return v
	}
	return nil
}

func IsCategory(err error, category Category) bool {
	v := AsVpnError(err)
	return v != nil && v.Category == category
}

func IsRecoverable(err error) bool {
	v := AsVpnError(err)
	return v != nil && v.Recoverable
}
