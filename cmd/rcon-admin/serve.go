// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/schultz-is/rcon-admin/dispatch"
	"github.com/schultz-is/rcon-admin/internal/api"
	"github.com/schultz-is/rcon-admin/internal/audit"
	"github.com/schultz-is/rcon-admin/internal/bridge"
	"github.com/schultz-is/rcon-admin/internal/config"
	"github.com/schultz-is/rcon-admin/moderation"
)

const shutdownTimeout = 10 * time.Second

// serve runs the HTTP API and the event bridge until ctx is done, reloading the admin set, bridge
// channels and log level whenever the config file changes.
func (a *app) serve(ctx context.Context) error {
	cfg, d, logger := a.cfg, a.dispatcher, a.logger
	gin.SetMode(gin.ReleaseMode)

	rcfg := api.Config{
		Dispatcher:     d,
		Token:          cfg.HTTP.Token,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         logger,
	}

	if cfg.Audit.Path != "" {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		rcfg.Audit = store
	}

	var br *bridge.Server
	if cfg.Bridge.Token != "" {
		var sender bridge.ChatSender = bridge.LogSender{Logger: logger}
		if cfg.Bridge.WebhookURL != "" {
			sender = bridge.WebhookSender{URL: cfg.Bridge.WebhookURL}
		}
		bcfg := bridge.Config{
			Token:    cfg.Bridge.Token,
			Channels: cfg.Bridge.Channels,
			Sender:   sender,
			Logger:   logger,
		}
		if len(cfg.Moderation.Blocklist) > 0 {
			bcfg.Moderation = moderation.NewBlocklist(cfg.Moderation.Blocklist...)
		}
		br = bridge.New(bcfg)
		rcfg.Bridge = br
	}

	if a.configPath != "" {
		go func() {
			err := config.Watch(ctx, a.configPath, a.overrides, logger, func(next *config.Config) {
				d.SetAdmins(dispatch.NewAdminSet(next.Admins...))
				if br != nil {
					br.SetChannels(next.Bridge.Channels)
				}
				a.level.Set(next.Log.SlogLevel())
			})
			if err != nil {
				logger.LogAttrs(ctx, slog.LevelError, "config watch stopped", slog.Any("error", err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(rcfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.LogAttrs(ctx, slog.LevelInfo, "listening", slog.String("addr", srv.Addr), slog.Bool("bridge", br != nil), slog.Bool("audit", rcfg.Audit != nil))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
