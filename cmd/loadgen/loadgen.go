package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/freundallein/corrector/chassis/config"
	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/queue"
	"github.com/freundallein/corrector/loadgen"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("loadgen", appCfg.Loadgen.LogLevel)
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	broker, err := queue.DialBroker(appCfg.Broker.URL)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_broker_failed",
		}).Fatal(err)
	}
	defer broker.Close()
	cfg := &loadgen.Config{
		Broker:     broker,
		StorageDSN: appCfg.Storage.DSN,
		Queue:      appCfg.Worker.Queues.Main,
		Interval:   appCfg.Loadgen.Interval,
		Subject:    appCfg.Loadgen.Subject,
		Year:       appCfg.Loadgen.Year,
		Language:   appCfg.Loadgen.Language,
	}
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	var group sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	if err := loadgen.Run(ctx, cfg, &group); err != nil {
		log.WithFields(log.Fields{
			"event": "start_loadgen_failed",
		}).Fatal(err)
	}
	<-done
	log.WithFields(log.Fields{
		"event": "ctx_cancel",
	}).Info("received syscall")
	cancel()
	group.Wait()
}
