//go:build linux

// Command netcored runs an echo reactor next to the peer-state exchange,
// sharing one worker pool between them. It stops on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-netcore/cachedpool"
	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/metrics"
	"github.com/cyberinferno/go-netcore/peerstate"
	"github.com/cyberinferno/go-netcore/reactor"
	"github.com/cyberinferno/go-netcore/syncqueue"
)

const (
	listenHost  = "0.0.0.0"
	listenPort  = 8000
	metricsAddr = "127.0.0.1:9464"
)

func main() {
	log := logger.NewConsoleLogger("netcored", zerolog.InfoLevel)

	if err := run(log); err != nil {
		log.Error("netcored failed", logger.Err(err))
		os.Exit(1)
	}
}

func run(log logger.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	pool, err := cachedpool.New(cachedpool.DefaultConfig(), log, cachedpool.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		shutdownErr := pool.Shutdown(context.Background())
		if errors.Is(shutdownErr, cachedpool.ErrShutdownTimeout) {
			log.Warn("pool abandoned busy workers", logger.Err(shutdownErr))
			return
		}

		err = multierr.Append(err, shutdownErr)
	}()

	echo := reactor.HandlerFunc(func(frame []byte) []byte {
		return frame
	})

	r, err := reactor.New(reactor.DefaultConfig(listenHost, listenPort), echo, log,
		reactor.WithPool(pool), reactor.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, r.Close())
	}()

	localID := peerstate.NewID()
	receiver, err := peerstate.NewReceiver(peerstate.DefaultReceiverConfig(localID), pool, log,
		peerstate.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, receiver.Close())
	}()

	broadcaster, err := peerstate.NewBroadcaster(peerstate.DefaultBroadcasterConfig(), log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, broadcaster.Close())
	}()

	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("netcored starting",
		logger.Field{Key: "peer_id", Value: localID},
		logger.Field{Key: "addr", Value: r.Addr()},
		logger.Field{Key: "metrics", Value: metricsAddr})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.Run(gctx)
	})

	g.Go(func() error {
		receiver.Run(gctx)
		return nil
	})

	g.Go(func() error {
		pose := peerstate.Identity()
		broadcaster.Run(gctx, peerstate.DefaultInterval, func() peerstate.PeerState {
			return peerstate.PeerState{ID: localID, Pose: pose}
		})
		return nil
	})

	g.Go(func() error {
		for gctx.Err() == nil {
			if s, status := receiver.Updates().Take(time.Second); status == syncqueue.Success {
				log.Debug("peer update", logger.Field{Key: "peer", Value: s.ID})
			}
		}

		log.Info("known peers", logger.Field{Key: "count", Value: receiver.Directory().Len()})
		return nil
	})

	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("netcored stopped")
	return err
}
