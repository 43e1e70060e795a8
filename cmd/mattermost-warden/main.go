// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mattermost-warden is an always-on guardian bot for group chats.
// It logs in with a stored credential blob, watches the live event stream,
// and re-asserts admin-declared locks (group title, member nicknames,
// group photo) against any external change, alongside a small prefixed
// command language for the admin.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mattermost-warden/pkg/dashboard"
	"github.com/aiku/mattermost-warden/pkg/warden"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath    string
	listenAddr    string
	logLevel      string
	startupNotice string
)

var rootCmd = &cobra.Command{
	Use:     "mattermost-warden",
	Short:   "Group-chat guardian bot that locks titles, nicknames and photos",
	Version: Tag,
	RunE:    run,

	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "warden.json", "path to the configuration file")
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":29321", "dashboard listen address")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "minimum log level")
	rootCmd.Flags().StringVar(&startupNotice, "startup-notice", "", "message broadcast to target groups after connect")
}

// sessionRunner serializes session (re)starts: each start cancels the
// previous session manager and waits for it to return before launching a
// fresh one, so at most one platform session is ever live.
type sessionRunner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start runs the blocking session function in a new goroutine, replacing
// any previous session first.
func (r *sessionRunner) start(ctx context.Context, run func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go func() {
		defer close(done)
		run(runCtx)
	}()
}

// stop cancels the current session, if any, and waits for it to return.
func (r *sessionRunner) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
}

func run(cmd *cobra.Command, _ []string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return err
	}

	groups := warden.NewGroupSet()
	stream := dashboard.NewStream(groups)

	writer := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
		stream,
	)
	log := zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("built", BuildTime).Msg("mattermost-warden starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := warden.NewConfigStore(configPath, log)
	if err := cfg.Load(); err != nil {
		// Corrupt config leaves the system idle awaiting /configure; it
		// never crashes the process.
		log.Error().Err(err).Msg("Failed to load config, system idle until reconfigured")
	}

	store := warden.NewPolicyStore()
	transport := warden.NewMattermostTransport(log)
	runner := &sessionRunner{}

	startSession := func() {
		runner.start(ctx, func(runCtx context.Context) {
			engine := warden.NewEngine(store, cfg.Current().AdminID, log)
			processor := warden.NewProcessor(cfg, engine, groups, warden.DefaultReplies(), log)
			manager := warden.NewManager(transport, cfg, engine, processor, groups, log)
			manager.StartupNotice = startupNotice
			manager.OnGroupsChanged = stream.PublishGroups
			if err := manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Session manager stopped")
			}
		})
	}

	if cfg.Current().Ready() {
		startSession()
	} else {
		log.Info().Msg("Configuration incomplete, awaiting POST /configure")
	}

	server := dashboard.NewServer(cfg, stream, startSession, log)
	go func() {
		if err := server.ListenAndServe(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dashboard API error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	runner.stop()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
