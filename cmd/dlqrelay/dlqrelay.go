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
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/dlqrelay"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("dlqrelay", appCfg.Relay.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	// Ops queue
	sqsCfg := queue.Config{
		Name:    appCfg.Relay.Queuedst.Name,
		URL:     appCfg.Relay.Queuedst.URL,
		Retries: appCfg.Relay.Queuedst.Retries,

		//AWS specific
		Region:             appCfg.AWS.Region,
		CredentialsFile:    appCfg.AWS.CredentialsFile,
		CredentialsProfile: appCfg.AWS.CredentialsProfile,
	}
	sqsClient, err := queue.InitAWSQueue(sqsCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_sqs_failed",
		}).Fatal(err)
	}
	broker, err := queue.DialBroker(appCfg.Broker.URL)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_broker_failed",
		}).Fatal(err)
	}
	cfg := &dlqrelay.Config{
		Broker:    broker,
		Queue:     sqsClient,
		DLQ:       appCfg.Worker.Queues.DLQ,
		MainQueue: appCfg.Worker.Queues.Main,
		Workers:   appCfg.Relay.Workers,
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	if appCfg.Relay.Mode == "replay" {
		dlqrelay.Replay(ctx, cfg, &group)
	} else if err := dlqrelay.Run(ctx, cfg, &group); err != nil {
		log.WithFields(log.Fields{
			"event": "start_relay_failed",
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
