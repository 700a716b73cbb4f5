package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freundallein/corrector/chassis/config"
	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/storage"
	"github.com/freundallein/corrector/supervisor"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("supervisor", appCfg.Supervisor.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	ctx, cancel := context.WithCancel(context.Background())
	repo, err := storage.InitPGRepository(ctx, storage.Config{DSN: appCfg.Storage.DSN})
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	cfg := &supervisor.Config{
		Repository:      repo,
		Interval:        appCfg.Supervisor.Interval,
		StaleTimeout:    appCfg.Supervisor.StaleTimeout,
		RepairBatchSize: appCfg.Supervisor.RepairBatchSize,
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	supervisor.Run(ctx, cfg, &group)
	shutdownMetrics := metrics.Serve(appCfg.Metrics.Addr)

	<-done
	log.WithFields(log.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	group.Wait()
	repo.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownMetrics(shutdownCtx)
}
