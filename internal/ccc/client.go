// Package ccc implements the HTTPS control-channel client (client-to-client
// communication protocol) used for the MFA/auth handshake before a tunnel
// is established: ClientHello, Auth/MultiChallenge, ClientSettings, and
// Signout, all carried as S-expression-bodied POST requests.
package ccc

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/pkcs12"

	"backend/internal/apperrors"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/sexpr"
)

const (
	requestTimeout = 600 * time.Second
	connectTimeout = 10 * time.Second
	infoTimeout    = 10 * time.Second
)

var requestID atomic.Uint32

func init() {
	requestID.Store(2)
}

func newRequestID() uint32 {
	return requestID.Add(1) - 1
}

// Client is the HTTPS control-channel client for one TunnelParams profile.
// The circuit breaker lives on the instance, so two profiles never share
// breaker state; the request-id counter is the package-level requestID,
// shared by every Client in the process.
type Client struct {
	params  *model.TunnelParams
	session *model.VpnSession
	breaker *gobreaker.CircuitBreaker[*sexpr.Expr]
	http    *http.Client
}

// NewClient builds a control-channel client for the given profile and
// optional in-progress session (nil before the first ClientHello).
func NewClient(params *model.TunnelParams, session *model.VpnSession) (*Client, error) {
	httpClient, err := buildHTTPClient(params)
	if err != nil {
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        "ccc:" + params.ServerName,
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L().Info("ccc circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		params:  params,
		session: session,
		breaker: gobreaker.NewCircuitBreaker[*sexpr.Expr](st),
		http:    httpClient,
	}, nil
}

func buildHTTPClient(params *model.TunnelParams) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: params.IgnoreServerCert} //nolint:gosec // user-requested override

	if params.CACert != "" {
		data, err := os.ReadFile(params.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			if cert, err2 := x509.ParseCertificate(data); err2 == nil {
				pool.AddCert(cert)
			} else {
				return nil, fmt.Errorf("parse ca cert")
			}
		}
		tlsConfig.RootCAs = pool
	}

	if params.CertType != model.CertTypeNone {
		if params.ClientCert == "" {
			return nil, apperrors.CertMaterialMissing("client certificate path")
		}
		cert, err := loadIdentity(params)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		TLSClientConfig: tlsConfig,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
	}

	return &http.Client{Transport: transport}, nil
}

func loadIdentity(params *model.TunnelParams) (tls.Certificate, error) {
	data, err := os.ReadFile(params.ClientCert)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read client cert: %w", err)
	}

	switch params.CertType {
	case model.CertTypePkcs12:
		key, cert, err := pkcs12.Decode(data, params.CertPassword)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decode pkcs12: %w", err)
		}
		return tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key}, nil
	case model.CertTypePkcs8:
		var certDER, keyDER []byte
		rest := data
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				certDER = block.Bytes
			case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
				keyDER = block.Bytes
			}
		}
		if certDER == nil || keyDER == nil {
			return tls.Certificate{}, fmt.Errorf("pkcs8 bundle missing cert or key")
		}
		return tls.X509KeyPair(
			pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
			pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		)
	default:
		return tls.Certificate{}, fmt.Errorf("unsupported cert type for client identity")
	}
}

func (c *Client) sessionID() *string {
	if c.session == nil || c.session.CCCSessionID == "" {
		return nil
	}
	id := c.session.CCCSessionID
	return &id
}

func protoVersion(v uint32) *uint32 { return &v }

func (c *Client) newAuthRequest() ccRequestEnvelope {
	requestType := "UserPass"
	var username, password *string
	if c.params.CertType == model.CertTypeNone {
		u := c.params.UserName
		p := ""
		username, password = &u, &p
	} else {
		requestType = "CertAuth"
	}

	deviceID := deviceID()
	osName := "Windows"
	selected := c.params.LoginType

	return ccRequestEnvelope{
		Header: requestHeader{ID: newRequestID(), Type: requestType, SessionID: c.sessionID()},
		Data: authRequestData{
			ClientType:          clientType(c.params),
			Username:            username,
			Password:            password,
			ClientLoggingData:   &clientLoggingData{OSName: &osName, DeviceID: &deviceID},
			SelectedLoginOption: &selected,
		},
	}
}

func (c *Client) newChallengeRequest(userInput string) ccRequestEnvelope {
	sessID := ""
	if s := c.sessionID(); s != nil {
		sessID = *s
	}
	return ccRequestEnvelope{
		Header: requestHeader{ID: newRequestID(), Type: "MultiChallange", SessionID: c.sessionID()},
		Data: multiChallengeRequestData{
			ClientType:    clientType(c.params),
			AuthSessionID: sessID,
			UserInput:     Scramble([]byte(userInput)),
		},
	}
}

func (c *Client) newClientSettingsRequest() ccRequestEnvelope {
	return ccRequestEnvelope{
		Header: requestHeader{ID: newRequestID(), Type: "ClientSettings", SessionID: c.sessionID(), ProtocolVersion: protoVersion(100)},
		Data:   clientSettingsRequestInner{},
	}
}

func (c *Client) newSignoutRequest() ccRequestEnvelope {
	return ccRequestEnvelope{
		Header: requestHeader{ID: newRequestID(), Type: "Signout", SessionID: c.sessionID(), ProtocolVersion: protoVersion(100)},
		Data:   signoutRequestInner{},
	}
}

func (c *Client) newClientHelloRequest() ccRequestEnvelope {
	return ccRequestEnvelope{
		Header: requestHeader{ID: newRequestID(), Type: "ClientHello"},
		Data: clientHelloRequestData{
			ClientInfo: clientInfo{ClientType: clientType(c.params), ClientVersion: 1, ClientSupportSAML: true},
		},
	}
}

func clientType(p *model.TunnelParams) string {
	if p.ClientMode != "" {
		return p.ClientMode
	}
	return "SYMBIAN"
}

func deviceID() string {
	// A stable per-machine id is out of scope here (platform.go owns
	// machine-uuid lookup); the control channel only needs a non-empty,
	// session-stable value.
	return "00000000-0000-0000-0000-000000000000"
}

func (c *Client) sendRequest(ctx context.Context, envelope ccRequestEnvelope, timeout time.Duration, withCertPath bool) (*sexpr.Expr, error) {
	wrapped := ccRequest{Envelope: envelope}
	expr, err := sexpr.FromGo(wrapped)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	path := "/clients/"
	if withCertPath && c.params.ClientCert != "" && c.params.CertType != model.CertTypeNone {
		path = "/clients/cert/"
	}

	url := fmt.Sprintf("https://%s%s", c.params.ServerName, path)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := expr.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}

	logger.L().Debug("ccc request", zap.String("url", url))

	result, err := c.breaker.Execute(func() (*sexpr.Expr, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("ccc request failed: http %d", resp.StatusCode)
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return sexpr.Parse(string(raw))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) sendCCCRequest(ctx context.Context, envelope ccRequestEnvelope) (*sexpr.Expr, error) {
	_, isAuth := envelope.Data.(authRequestData)
	reply, err := c.sendRequest(ctx, envelope, requestTimeout, isAuth)
	if err != nil {
		return nil, err
	}
	data := reply.Get("CCCserverResponse:ResponseData")
	if data == nil {
		return nil, fmt.Errorf("ccc: empty response data")
	}
	header := reply.Get("CCCserverResponse:ResponseHeader")
	if v, ok := data.AsValue(); ok && v == "" {
		code, _ := header.GetInt("return_code")
		return nil, fmt.Errorf("ccc request failed, error code: %d", code)
	}
	return data, nil
}

// Authenticate performs the initial Auth request (UserPass or CertAuth
// depending on TunnelParams.CertType).
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	data, err := c.sendCCCRequest(ctx, c.newAuthRequest())
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(data)
}

// ChallengeCode submits an MFA response and returns the resulting auth
// state (which may itself be another challenge).
func (c *Client) ChallengeCode(ctx context.Context, userInput string) (*AuthResponse, error) {
	data, err := c.sendCCCRequest(ctx, c.newChallengeRequest(userInput))
	if err != nil {
		return nil, err
	}
	return decodeAuthResponse(data)
}

func decodeAuthResponse(data *sexpr.Expr) (*AuthResponse, error) {
	var resp AuthResponse
	if err := data.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	return &resp, nil
}

// GetClientSettings fetches the gateway's internal IP and the office-mode
// network ranges.
func (c *Client) GetClientSettings(ctx context.Context) (*ClientSettingsResponse, error) {
	data, err := c.sendCCCRequest(ctx, c.newClientSettingsRequest())
	if err != nil {
		return nil, err
	}
	var resp ClientSettingsResponse
	if err := data.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode client settings: %w", err)
	}
	return &resp, nil
}

// GetServerInfo sends a ClientHello and returns the raw reply tree (server
// capability/login-options discovery, ahead of any credential exchange).
func (c *Client) GetServerInfo(ctx context.Context) (*sexpr.Expr, error) {
	return c.sendRequest(ctx, c.newClientHelloRequest(), infoTimeout, false)
}

// Signout tells the gateway to drop the CCC session.
func (c *Client) Signout(ctx context.Context) error {
	_, err := c.sendCCCRequest(ctx, c.newSignoutRequest())
	return err
}
