package supervisor

import (
	"context"
	"sync"
	"time"

	log "github.com/freundallein/corrector/chassis/logging"
	"github.com/freundallein/corrector/chassis/metrics"
	"github.com/freundallein/corrector/chassis/monkey"
	"github.com/freundallein/corrector/chassis/storage"
)

// Config ...
type Config struct {
	Repository      storage.Repository
	Interval        time.Duration
	StaleTimeout    time.Duration
	RepairBatchSize int
	Monkey          *monkey.Monkey
}

// repair rejects one batch of stale links.
func repair(ctx context.Context, cfg *Config) (int, error) {
	rejected, err := cfg.Repository.RejectStale(ctx, cfg.StaleTimeout, cfg.RepairBatchSize)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return 0, err
	}
	metrics.SupervisorRejected.Add(float64(rejected))
	return rejected, nil
}

func worker(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	defer group.Done()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event": "ctx_canceled",
			}).Info("exit goroutine")
			return
		case <-ticker.C:
			rejected, err := repair(ctx, cfg)
			if err != nil {
				log.WithFields(log.Fields{
					"event": "stale_submission_repair_failed",
				}).Error(err)
				continue
			}
			if rejected > 0 {
				log.WithFields(log.Fields{
					"event":    "stale_submission_repair",
					"rejected": rejected,
				}).Warn("rejected submissions stuck in CORRECTING")
			}
		}
	}
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event":        "start_service",
		"staleTimeout": cfg.StaleTimeout,
	}).Info("checking every ", cfg.Interval)
	group.Add(1)
	go worker(ctx, cfg, group)
}
