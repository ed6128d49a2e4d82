package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"backend/internal/config"
	"backend/internal/controller"
	"backend/internal/ipc"
	"backend/internal/logger"
	"backend/internal/model"
)

// runClient dials the running service and drives one controller command
// against it: status, connect, disconnect, or reconnect.
func runClient(ctx context.Context, verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	level, dev := parseLogFlags(fs)
	socketPath := fs.String("socket", "", "control socket path (default: $XDG_RUNTIME_DIR/snx-go/control.sock)")
	profilePath := fs.String("config", "", "profile file path (default: "+config.DefaultProfilePath()+")")
	serverName := fs.String("server-name", "", "gateway hostname or address")
	userName := fs.String("user-name", "", "login user name")
	loginType := fs.String("login-type", "", "selected login option id")
	tunnelType := fs.String("tunnel-type", "", "ipsec or ssl")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := devLoggerConfig(*dev)
	cfg.Level = *level
	logger.Init(cfg)
	defer logger.Sync()

	path := *socketPath
	if path == "" {
		path = config.RuntimeDir() + "/control.sock"
	}

	params, err := loadParams(*profilePath)
	if err != nil {
		return err
	}
	applyFlagOverrides(params, *serverName, *userName, *loginType, *tunnelType)

	client, err := ipc.Dial(ctx, path)
	if err != nil {
		return fmt.Errorf("connect to service at %s: %w (is nnc service running?)", path, err)
	}
	defer client.Close()

	cmd, err := controller.ParseCommand(verb)
	if err != nil {
		return err
	}

	c := controller.New(client, params, promptForChallenge)
	status, err := c.Run(ctx, cmd)
	if err != nil {
		return err
	}
	fmt.Println(status.String())
	return nil
}

func loadParams(path string) (*model.TunnelParams, error) {
	if path == "" {
		path = config.DefaultProfilePath()
	}
	params, err := config.Load(path)
	if err != nil {
		return model.DefaultTunnelParams(), nil //nolint:nilerr // a missing profile is not fatal; flags may supply everything
	}
	return params, nil
}

func applyFlagOverrides(params *model.TunnelParams, serverName, userName, loginType, tunnelType string) {
	if serverName != "" {
		params.ServerName = serverName
	}
	if userName != "" {
		params.UserName = userName
	}
	if loginType != "" {
		params.LoginType = loginType
	}
	switch strings.ToLower(tunnelType) {
	case "ssl":
		params.TunnelType = model.TunnelTypeSsl
	case "ipsec":
		params.TunnelType = model.TunnelTypeIpsec
	}
}

// promptForChallenge asks the user for the MFA response on stdin,
// reading the terminal silently for a password-shaped prompt.
func promptForChallenge(challenge *model.MfaChallenge) (string, error) {
	fmt.Println(challenge.Prompt)

	if challenge.Type == model.MfaPasswordInput && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print("> ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return string(raw), nil
	}

	fmt.Print("> ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(line), nil
}
