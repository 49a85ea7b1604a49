// Package app wires configuration, backend, realtime, call engine and
// the control API into one runnable agent.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdeckhq/opsdeck/internal/backend"
	"github.com/opsdeckhq/opsdeck/internal/call"
	"github.com/opsdeckhq/opsdeck/internal/config"
	"github.com/opsdeckhq/opsdeck/internal/history"
	historysqlite "github.com/opsdeckhq/opsdeck/internal/history/sqlite"
	"github.com/opsdeckhq/opsdeck/internal/media"
	"github.com/opsdeckhq/opsdeck/internal/realtime"
	"github.com/opsdeckhq/opsdeck/internal/service/chat"
	"github.com/opsdeckhq/opsdeck/internal/service/tasks"
	transporthttp "github.com/opsdeckhq/opsdeck/internal/transport/http"
)

// App wires together the agent's layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	manager         *call.Manager
	rt              *realtime.Client
	hist            history.Store
	log             *zerolog.Logger
}

// New connects to the backend, signs in, opens the realtime socket and
// constructs the call engine and control API.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*App, error) {
	hist, err := historysqlite.New(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("init history store: %w", err)
	}
	logger.Info().Str("db_path", cfg.HistoryPath).Msg("history store initialized")

	be := backend.New(cfg.Backend.URL, cfg.Backend.APIKey, logger)
	sess, err := be.SignIn(ctx, cfg.Backend.Email, cfg.Backend.Password)
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("backend sign-in: %w", err)
	}

	rt, err := realtime.Dial(ctx, cfg.Backend.RealtimeURL, sess.AccessToken, logger)
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("connect realtime: %w", err)
	}

	callLog := backend.NewCallLog(be)
	manager := call.NewManager(
		sess.UserID,
		&callTransport{rt: rt},
		&mediaSource{cap: media.NewCapturer(logger)},
		call.NewPionLinks(cfg.Calls.ICEServers, logger),
		callLog,
		call.Policy{
			RejectBusy:  cfg.Calls.RejectBusy,
			RingTimeout: cfg.Calls.RingTimeout,
		},
		logger,
	)

	tasksSvc := tasks.New(be, sess.UserID)
	chatSvc := chat.New(be, rt, sess.UserID)

	if err := watchTables(ctx, rt, logger, "tasks", "messages"); err != nil {
		rt.Close()
		hist.Close()
		return nil, fmt.Errorf("watch change feeds: %w", err)
	}

	a := &App{
		server:          transporthttp.NewServer(cfg.Addr, manager, hist, callLog, sess.UserID, tasksSvc, chatSvc, logger),
		shutdownTimeout: cfg.ShutdownTimeout,
		manager:         manager,
		rt:              rt,
		hist:            hist,
		log:             logger,
	}

	manager.OnIncoming(func(s *call.Session) {
		logger.Info().
			Str("call_id", s.ID()).
			Str("peer_id", s.Peer()).
			Str("mode", string(s.Mode())).
			Msg("incoming call ringing")
	})
	manager.OnSessionEnded(a.recordHistory)

	return a, nil
}

// Run subscribes the manager to its inbox, starts the control API server
// and blocks until context cancellation or a fatal error.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Run(); err != nil {
		a.cleanup()
		return fmt.Errorf("start call manager: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("control api listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down control api")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// recordHistory writes a finished session into the local history store.
func (a *App) recordHistory(s *call.Session) {
	direction := history.DirectionOutgoing
	if s.Role() == call.RoleCallee {
		direction = history.DirectionIncoming
	}
	entry := history.Entry{
		ID:        s.ID(),
		PeerID:    s.Peer(),
		Direction: direction,
		Mode:      string(s.Mode()),
		Status:    s.State().String(),
		StartedAt: s.CreatedAt(),
		EndedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.hist.Record(ctx, entry); err != nil {
		a.log.Warn().Err(err).Str("call_id", s.ID()).Msg("failed to record call history")
	}
}

// cleanup tears down calls, the realtime socket and the history store.
func (a *App) cleanup() {
	a.manager.Close()

	if err := a.rt.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close realtime client")
	}

	if err := a.hist.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close history store")
	} else {
		a.log.Info().Msg("history store closed")
	}
}
