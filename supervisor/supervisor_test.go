package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/freundallein/corrector/chassis/storage"
)

type staleRepo struct {
	storage.Repository

	mu      sync.Mutex
	calls   int
	timeout time.Duration
	batch   int
	err     error
}

func (r *staleRepo) RejectStale(ctx context.Context, timeout time.Duration, batchSize int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.timeout, r.batch = timeout, batchSize
	return 2, r.err
}

func (r *staleRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRepairPassesLimits(t *testing.T) {
	repo := &staleRepo{}
	cfg := &Config{Repository: repo, StaleTimeout: 2 * time.Hour, RepairBatchSize: 50}
	n, err := repair(context.Background(), cfg)
	if err != nil || n != 2 {
		t.Fatalf("repair = %d, %v", n, err)
	}
	if repo.timeout != 2*time.Hour || repo.batch != 50 {
		t.Fatalf("called with %s/%d", repo.timeout, repo.batch)
	}
}

func TestRepairError(t *testing.T) {
	repo := &staleRepo{err: errors.New("db down")}
	if _, err := repair(context.Background(), &Config{Repository: repo}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	repo := &staleRepo{}
	ctx, cancel := context.WithCancel(context.Background())
	var group sync.WaitGroup
	Run(ctx, &Config{Repository: repo, Interval: 5 * time.Millisecond, StaleTimeout: time.Hour, RepairBatchSize: 1}, &group)

	deadline := time.Now().Add(time.Second)
	for repo.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	group.Wait()
	if repo.callCount() < 2 {
		t.Fatalf("repair ran %d times", repo.callCount())
	}
}
