// Package controller implements the CLI-facing half of the connector
// protocol: it drives the ipc.Client through a connect/status/MFA-prompt
// loop so a thin cmd/ binary only has to supply a PromptFunc and a
// Command.
package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"backend/internal/ipc"
	"backend/internal/model"
)

// Command is the action a CLI invocation asks the controller to perform.
type Command int

const (
	CommandStatus Command = iota
	CommandConnect
	CommandDisconnect
	CommandReconnect
)

// ParseCommand parses a command-line verb into a Command.
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(s) {
	case "status":
		return CommandStatus, nil
	case "connect":
		return CommandConnect, nil
	case "disconnect":
		return CommandDisconnect, nil
	case "reconnect":
		return CommandReconnect, nil
	default:
		return 0, fmt.Errorf("controller: invalid command %q", s)
	}
}

const (
	statusTimeout  = 2 * time.Second
	connectTimeout = 120 * time.Second
)

// PromptFunc asks the user (interactively, or via a GUI prompt) for the
// text an MFA challenge needs: a password, an authenticator code, or a
// username, depending on challenge.Type.
type PromptFunc func(challenge *model.MfaChallenge) (string, error)

// Controller drives one command-line invocation against a running
// service over its control socket.
type Controller struct {
	client *ipc.Client
	prompt PromptFunc
	params *model.TunnelParams
}

// New builds a controller bound to an already-dialed client.
func New(client *ipc.Client, params *model.TunnelParams, prompt PromptFunc) *Controller {
	return &Controller{client: client, prompt: prompt, params: params}
}

// Run executes cmd and returns the resulting connection status.
func (c *Controller) Run(ctx context.Context, cmd Command) (model.ConnectionStatus, error) {
	switch cmd {
	case CommandStatus:
		return c.status(ctx)
	case CommandConnect:
		if _, err := c.status(ctx); err != nil {
			return model.ConnectionStatus{}, err
		}
		return c.connect(ctx)
	case CommandDisconnect:
		if _, err := c.status(ctx); err != nil {
			return model.ConnectionStatus{}, err
		}
		return c.disconnect(ctx)
	case CommandReconnect:
		_, _ = c.disconnect(ctx)
		return c.connect(ctx)
	default:
		return model.ConnectionStatus{}, fmt.Errorf("controller: unknown command %d", cmd)
	}
}

func (c *Controller) status(ctx context.Context) (model.ConnectionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	status, err := c.client.GetStatus(ctx)
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	if status.Kind == model.StatusMfa && status.Mfa != nil {
		return c.processChallenge(ctx, status.Mfa)
	}
	return status, nil
}

func (c *Controller) connect(ctx context.Context) (model.ConnectionStatus, error) {
	if c.params.ServerName == "" {
		return model.ConnectionStatus{}, fmt.Errorf("controller: missing required parameter server-name")
	}
	if c.params.LoginType == "" {
		return model.ConnectionStatus{}, fmt.Errorf("controller: missing required parameter login-type")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	status, err := c.client.Connect(ctx, c.params)
	if err != nil {
		return model.ConnectionStatus{}, err
	}
	if status.Kind == model.StatusMfa && status.Mfa != nil {
		return c.processChallenge(ctx, status.Mfa)
	}
	return status, nil
}

func (c *Controller) processChallenge(ctx context.Context, mfa *model.MfaChallenge) (model.ConnectionStatus, error) {
	input, err := c.prompt(mfa)
	if err != nil {
		_ = c.client.Disconnect(ctx)
		return model.ConnectionStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	status, err := c.client.ChallengeCode(ctx, input)
	if err != nil {
		_ = c.client.Disconnect(ctx)
		return model.ConnectionStatus{}, err
	}
	if status.Kind == model.StatusMfa && status.Mfa != nil {
		return c.processChallenge(ctx, status.Mfa)
	}
	// The service only reports StatusMfa directly from ChallengeCode; any
	// other reply (the service answers Connecting) means the session moved
	// past the challenge, so
	// fetch the resulting connection status explicitly.
	return c.status(ctx)
}

func (c *Controller) disconnect(ctx context.Context) (model.ConnectionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	if err := c.client.Disconnect(ctx); err != nil {
		return model.ConnectionStatus{}, err
	}
	return c.status(ctx)
}
