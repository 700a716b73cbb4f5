package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freundallein/corrector/chassis/config"
	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/notify"
	"github.com/freundallein/corrector/chassis/protocol"
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/chassis/rpc"
	"github.com/freundallein/corrector/chassis/storage"
	"github.com/freundallein/corrector/worker"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("worker", appCfg.Worker.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	repo, err := storage.InitPGRepository(initCtx, storage.Config{DSN: appCfg.Storage.DSN})
	initCancel()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	broker, err := queue.DialBroker(appCfg.Broker.URL)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_broker_failed",
		}).Fatal(err)
	}
	rpcClient := rpc.New(appCfg.RPC.URL)
	if err := rpcClient.Connect(); err != nil {
		log.WithFields(log.Fields{
			"event": "init_rpc_failed",
		}).Fatal(err)
	}
	var notifier worker.Notifier
	if appCfg.Worker.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(appCfg.Worker.NotifyURL, appCfg.Worker.NotifyTimeout)
	}

	wrk := worker.New(worker.Config{
		Topology: queue.Topology{
			Main:       appCfg.Worker.Queues.Main,
			Retry:      appCfg.Worker.Queues.Retry,
			DLQ:        appCfg.Worker.Queues.DLQ,
			RetryDelay: appCfg.Worker.RetryDelay,
		},
		MaxConcurrency: appCfg.Worker.MaxConcurrency,
		MaxRetries:     appCfg.Worker.MaxRetries,
		DrainTimeout:   appCfg.Worker.DrainTimeout,
		Task: worker.TaskConfig{
			CallTimeout: appCfg.RPC.Timeout,
			Format:      protocol.Format(appCfg.RPC.Format),
		},
	}, broker, rpcClient, repo, notifier)
	if err := wrk.Start(); err != nil {
		log.WithFields(log.Fields{
			"event": "start_worker_failed",
		}).Fatal(err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	shutdownMetrics := metrics.Serve(appCfg.Metrics.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- wrk.Run(ctx) }()

	exitCode := 0
	select {
	case <-done:
		log.WithFields(log.Fields{
			"event": "ctx_cancel",
		}).Info("received syscall")
		cancel()
		<-runErr
	case err := <-runErr:
		log.WithFields(log.Fields{
			"event": "consume_stopped",
		}).Error(err)
		cancel()
		exitCode = 1
	}
	wrk.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownMetrics(shutdownCtx)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
