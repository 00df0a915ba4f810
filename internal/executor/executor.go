package executor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"dcapool/internal/observability"
	"dcapool/internal/registry"
)

// Executor sweeps the registry on a cron schedule, executing every pool that
// is due. It holds the executor role; pools that fail are logged by the
// facade and retried on the next sweep.
type Executor struct {
	id      uuid.UUID
	facade  *registry.Facade
	cron    *cron.Cron
	metrics *observability.Metrics
	log     zerolog.Logger
}

// New builds an executor that runs spec (standard 5-field cron syntax, or
// descriptors like "@every 30s") against the facade.
func New(id uuid.UUID, facade *registry.Facade, spec string, metrics *observability.Metrics, log zerolog.Logger) (*Executor, error) {
	e := &Executor{
		id:      id,
		facade:  facade,
		cron:    cron.New(),
		metrics: metrics,
		log:     log,
	}
	if _, err := e.cron.AddFunc(spec, e.Sweep); err != nil {
		return nil, fmt.Errorf("executor: bad cron spec %q: %w", spec, err)
	}
	return e, nil
}

// Start begins the sweep schedule in its own goroutine.
func (e *Executor) Start() {
	e.cron.Start()
	e.log.Info().Msg("executor started")
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (e *Executor) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
	e.log.Info().Msg("executor stopped")
}

// Sweep executes one pass over every ready pool. Exported so operators can
// trigger it out of schedule.
func (e *Executor) Sweep() {
	start := time.Now()

	ready := len(e.facade.ReadyPools())
	if e.metrics != nil {
		e.metrics.PoolsReady.Set(float64(ready))
	}
	if ready == 0 {
		return
	}

	evaluated, err := e.facade.EvaluateReady(e.id)
	if err != nil {
		e.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if e.metrics != nil {
		e.metrics.EvaluateSweepDur.Observe(time.Since(start).Seconds())
	}
	e.log.Info().
		Int("ready", ready).
		Int("evaluated", evaluated).
		Dur("took", time.Since(start)).
		Msg("sweep complete")
}
