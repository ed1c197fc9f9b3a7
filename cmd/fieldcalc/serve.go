package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dlovans/fieldcalc/internal/metrics"
	"github.com/dlovans/fieldcalc/internal/server"
	"github.com/dlovans/fieldcalc/internal/store"
	"github.com/dlovans/fieldcalc/pkg/resolver"
)

const shutdownGrace = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API backed by the record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	log := a.log.WithField("module", "serve")

	storeCfg := store.DefaultConfig()
	storeCfg.Path = a.cfg.Store.Path
	storeCfg.InMemory = a.cfg.Store.InMemory
	storeCfg.SyncWrites = a.cfg.Store.SyncWrites
	storeCfg.MaxRetries = a.cfg.Store.MaxRetries
	storeCfg.Logger = a.log
	st, err := store.Open(storeCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("close store")
		}
	}()

	m := metrics.New()
	r := resolver.New(
		resolver.WithCacheSize(a.cfg.Engine.FormulaCacheSize),
		resolver.WithLogger(a.log),
		resolver.WithObserver(m),
	)

	gin.SetMode(a.cfg.Server.Mode)
	router := server.NewRouter(server.NewHandlers(st, r, m, a.log), m, a.log, a.cfg.Server.AllowOrigins...)

	log.WithFields(logrus.Fields{
		"addr":      a.cfg.Server.Addr,
		"store":     a.cfg.Store.Path,
		"in_memory": a.cfg.Store.InMemory,
	}).Info("listening")
	if err := server.Run(ctx, a.cfg.Server.Addr, router, shutdownGrace); err != nil {
		return err
	}
	log.Info("shut down")
	return nil
}
