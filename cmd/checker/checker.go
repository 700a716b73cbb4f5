package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freundallein/corrector/checker"
	"github.com/freundallein/corrector/chassis/config"
	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/monkey"
	"github.com/freundallein/corrector/chassis/queue"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("checker", appCfg.Checker.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	broker, err := queue.DialBroker(appCfg.RPC.URL)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_broker_failed",
		}).Fatal(err)
	}
	cfg := &checker.Config{
		Broker:    broker,
		Languages: appCfg.Checker.Languages,
		Workers:   appCfg.Checker.Workers,
		MinDelay:  appCfg.Checker.MinDelay,
		MaxDelay:  appCfg.Checker.MaxDelay,
		Monkey:    monkey.New(appCfg.Checker.ErrorChance),
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	if err := checker.Run(ctx, cfg, &group); err != nil {
		log.WithFields(log.Fields{
			"event": "start_checker_failed",
		}).Fatal(err)
	}
	shutdownMetrics := metrics.Serve(appCfg.Metrics.Addr)

	select {
	case <-done:
		log.WithFields(log.Fields{
			"event": "ctx_cancel",
		}).Info("received syscall")
	case err := <-broker.NotifyClose():
		log.WithFields(log.Fields{
			"event": "broker_connection_lost",
		}).Error(err)
	}
	cancel()
	group.Wait()
	if err := broker.Close(); err != nil {
		log.WithFields(log.Fields{
			"event": "broker_close_failed",
		}).Error(err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownMetrics(shutdownCtx)
}
