package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"
	"k8s.io/klog/v2"

	"pieshare/pkg/broadcast"
	"pieshare/pkg/config"
	"pieshare/pkg/orderstate"
	"pieshare/pkg/protocol"
	"pieshare/pkg/telemetry"
	"pieshare/pkg/transport"
)

func main() {
	fmt.Println("================================================================================")
	fmt.Println("  pieshare - pie-splitting coordination server")
	fmt.Println("================================================================================")
	fmt.Println()

	klog.InitFlags(nil)

	var configPath string
	flag.StringVar(&configPath, "config", "pieshare.toml", "path to the TOML configuration file")
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(klog.Infof)); err != nil {
		klog.Warningf("automaxprocs: could not set GOMAXPROCS: %v", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		klog.Warningf("automemlimit: could not set GOMEMLIMIT: %v", err)
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		klog.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	cfg := watcher.Current()
	cfg.Log()

	if err := watcher.Start(); err != nil {
		klog.Fatalf("failed to watch configuration file %s: %v", configPath, err)
	}

	health := telemetry.NewHealth(time.Now())
	state := orderstate.New(cfg.PiecesPerWhole)
	bus := broadcast.New[protocol.ServerFrame]()

	telemetry.ListenAndServe(cfg.TelemetryAddr, health)

	srv := transport.New(state, bus, health, watcher)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Mux(),
	}

	go func() {
		klog.InfoS("starting pie-splitting server", "address", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("server failed: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	klog.InfoS("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		klog.ErrorS(err, "graceful shutdown failed")
	}
}
