package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"backend/internal/actor"
	"backend/internal/config"
	"backend/internal/connector"
	"backend/internal/ipc"
	"backend/internal/logger"
	"backend/internal/model"
	"backend/internal/persistence"
	"backend/internal/platform/linux"
)

// runService starts the background daemon: it opens the session store,
// starts the actor, and serves the control socket until ctx is cancelled.
func runService(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("service", flag.ExitOnError)
	level, dev := parseLogFlags(fs)
	socketPath := fs.String("socket", "", "control socket path (default: $XDG_RUNTIME_DIR/snx-go/control.sock)")
	dbPath := fs.String("db", "", "session database path (default: $XDG_CACHE_HOME/snx-go/sessions.db)")
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
	dbFile := *dbPath
	if dbFile == "" {
		dbFile = config.CacheDir() + "/sessions.db"
	}

	store, err := persistence.Open(ctx, dbFile)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	a := actor.Start(ctx)
	factory := linux.NewFactory()

	server := ipc.NewServer(path, a, buildConnectFunc(factory, store))

	logger.L().Info("nnc: service starting", zap.String("socket", path))
	return server.ListenAndServe(ctx)
}

// buildConnectFunc closes over the platform factory and session store
// shared by every connection attempt, returning the function
// ipc.Server invokes for each Connect request.
func buildConnectFunc(factory connector.Factory, store *persistence.Store) ipc.ConnectFunc {
	return func(ctx context.Context, a *actor.Actor, params *model.TunnelParams) error {
		c := connector.New(connector.Deps{Params: params, Factory: factory, Store: store})

		start := c.Authenticate
		if params.IkePersist {
			start = c.RestoreSession
		}
		session, err := start(ctx)
		if err != nil {
			return err
		}

		if err := a.SetConnector(ctx, c); err != nil {
			return err
		}
		if err := a.SetSession(ctx, session); err != nil {
			return err
		}

		if session.State.Kind == model.SessionStatePendingChallenge {
			return a.SetStatus(ctx, model.StatusMfaValue(session.State.Challenge))
		}

		if err := a.SetStatus(ctx, model.StatusConnectingValue()); err != nil {
			return err
		}
		go func() {
			if err := c.Run(ctx, a); err != nil {
				logger.L().Warn("nnc: connector run exited", zap.Error(err))
			}
		}()
		return nil
	}
}
