// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"mellium.im/xmpp/component"

	"mellium.im/fmuc"
	"mellium.im/fmuc/internal/config"
	"mellium.im/fmuc/room"
)

const (
	dialTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the XMPP server and serve rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg, g.verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// newService builds the chat service and its rooms from cfg.
func newService(cfg *config.Config, router fmuc.Router, reg prometheus.Registerer, logger *zap.Logger) (*room.Service, error) {
	domain, err := cfg.Domain()
	if err != nil {
		return nil, err
	}
	rooms, err := cfg.RoomSet()
	if err != nil {
		return nil, err
	}
	svc := room.NewService(domain, router, fmuc.NewSwitch(cfg.Federation),
		room.WithLogger(logger),
		room.WithMetrics(fmuc.NewMetrics(reg)),
	)
	for _, r := range rooms {
		if _, err := svc.AddRoom(r.Name, r.Config); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	domain, err := cfg.Domain()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.Component.Server)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", cfg.Component.Server, err)
	}
	session, err := component.NewSession(dialCtx, domain, []byte(cfg.Component.Secret), conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("error logging in as %s: %w", domain, err)
	}
	logger.Info("connected", zap.Stringer("domain", domain), zap.String("server", cfg.Component.Server))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc, err := newService(cfg, session, reg, logger)
	if err != nil {
		session.Close()
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := svc.Run(ctx)
		// Rooms send their left notices before the stream goes away.
		if cerr := session.Close(); cerr != nil {
			logger.Debug("error closing session", zap.Error(cerr))
		}
		return err
	})
	group.Go(func() error {
		err := session.Serve(svc)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("server closed the stream")
		}
		return err
	})
	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen, reg)
		group.Go(func() error {
			logger.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	logger.Info("shutting down", zap.Error(err))
	return err
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
