package ipc

import (
	"context"
	"fmt"
	"net"

	"backend/internal/model"
)

// Client is a thin synchronous wrapper over one Unix domain socket
// connection to the service, used by the CLI/tray controller.
type Client struct {
	conn *Conn
}

// Dial connects to the service's control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return &Client{conn: NewConn(raw)}, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	if err := c.conn.Send(ctx, req); err != nil {
		return Response{}, err
	}
	var resp Response
	if err := c.conn.Receive(ctx, &resp); err != nil {
		return Response{}, err
	}
	if resp.Kind == ResponseError {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

// Connect asks the service to authenticate and establish a tunnel for
// params, returning the resulting status (which may be StatusMfa if the
// gateway requires an additional challenge response).
func (c *Client) Connect(ctx context.Context, params *model.TunnelParams) (model.ConnectionStatus, error) {
	resp, err := c.roundTrip(ctx, Request{Kind: RequestConnect, Params: params})
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	return statusFromResponse(resp), nil
}

// ChallengeCode submits an MFA response code for the in-flight connect
// attempt.
func (c *Client) ChallengeCode(ctx context.Context, code string) (model.ConnectionStatus, error) {
	resp, err := c.roundTrip(ctx, Request{Kind: RequestChallengeCode, Code: code})
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	return statusFromResponse(resp), nil
}

// Disconnect tears down the active tunnel, if any.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Request{Kind: RequestDisconnect})
	return err
}

// GetStatus reports the current connection status.
func (c *Client) GetStatus(ctx context.Context) (model.ConnectionStatus, error) {
	resp, err := c.roundTrip(ctx, Request{Kind: RequestGetStatus})
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	return statusFromResponse(resp), nil
}

func statusFromResponse(resp Response) model.ConnectionStatus {
	if resp.Status != nil {
		return *resp.Status
	}
	return model.StatusDisconnectedValue()
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
