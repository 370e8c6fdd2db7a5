package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"video-pipeline/internal/platform/metrics"
)

// Default processing policy. None of these values carries an invariant beyond
// "the pipeline terminates in bounded expected ticks"; all are overridable
// via ProcessorConfig.
const (
	DefaultInitialDelay    = 600 * time.Millisecond
	DefaultTickInterval    = 800 * time.Millisecond
	DefaultStepMin         = 5
	DefaultStepMax         = 19
	DefaultFlagProbability = 0.1
	DefaultRetryBackoff    = time.Second
)

// maxRetryBackoff caps the terminal-write retry backoff.
const maxRetryBackoff = 8 * time.Second

// ProcessorConfig tunes the simulated processing pipeline.
type ProcessorConfig struct {
	// InitialDelay is the pause between the queued event and the first tick.
	InitialDelay time.Duration
	// TickInterval is the fixed period between progress ticks.
	TickInterval time.Duration
	// StepMin and StepMax bound the per-tick percent increment (inclusive).
	StepMin int
	StepMax int
	// FlagProbability is the chance the terminal transition resolves to
	// flagged instead of ready.
	FlagProbability float64
	// RetryBackoff is the initial delay between terminal-write retries.
	RetryBackoff time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.StepMin <= 0 {
		c.StepMin = DefaultStepMin
	}
	if c.StepMax < c.StepMin {
		c.StepMax = c.StepMin
	}
	if c.FlagProbability < 0 || c.FlagProbability > 1 {
		c.FlagProbability = DefaultFlagProbability
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Processor owns the lifecycle of assets from queued to a terminal stage.
// Each started asset gets its own timer goroutine; ticks for one asset are
// strictly sequential, and no state is shared between assets.
type Processor struct {
	store   Store
	hub     *Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     ProcessorConfig

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewProcessor returns a Processor using store as the source of truth and
// hub for best-effort progress broadcast. Zero cfg fields take defaults.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewProcessor(store Store, hub *Broadcaster, log *slog.Logger, m *metrics.Metrics, cfg ProcessorConfig) *Processor {
	return &Processor{
		store:   store,
		hub:     hub,
		log:     log,
		metrics: m,
		cfg:     cfg.withDefaults(),
	}
}

// Start begins processing the given asset and returns immediately. It must
// be called at most once per asset; re-invocation is a caller error. The
// spawned work stops when it reaches a terminal stage or ctx is cancelled.
func (p *Processor) Start(ctx context.Context, assetID, ownerID string) {
	p.active.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		p.run(ctx, assetID, ownerID)
	}()
}

// ActiveCount returns the number of assets currently being processed.
// Used for metrics.
func (p *Processor) ActiveCount() int {
	return int(p.active.Load())
}

// Wait blocks until every started asset has finished or been cancelled.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) run(ctx context.Context, assetID, ownerID string) {
	// The asset record is created with stage=queued, percent=0; announce it.
	p.hub.Publish(ProgressEvent{AssetID: assetID, Stage: StageQueued, Percent: 0})

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.InitialDelay):
	}

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	percent := 0
	for {
		select {
		case <-ctx.Done():
			p.log.Warn("processing abandoned",
				slog.String("asset_id", assetID),
				slog.Int("percent", percent))
			return
		case <-ticker.C:
		}

		percent += p.cfg.StepMin + rand.Intn(p.cfg.StepMax-p.cfg.StepMin+1)
		if percent >= 100 {
			p.finish(ctx, assetID, ownerID)
			return
		}

		// Persistence is the source of truth; broadcast after the write so
		// subscribers never see state the store has not. A failed write is
		// logged and the next tick retries against current state.
		if err := p.store.UpdateProgress(ctx, ownerID, assetID, StageProcessing, percent); err != nil {
			p.log.Warn("progress write failed",
				slog.String("asset_id", assetID),
				slog.Int("percent", percent),
				slog.String("error", err.Error()))
			continue
		}
		p.hub.Publish(ProgressEvent{AssetID: assetID, Stage: StageProcessing, Percent: percent})
	}
}

// finish performs the single terminal transition. Losing this write would
// strand the asset at processing forever, so it retries until the store
// accepts it or ctx is cancelled.
func (p *Processor) finish(ctx context.Context, assetID, ownerID string) {
	terminal := StageReady
	if rand.Float64() < p.cfg.FlagProbability {
		terminal = StageFlagged
	}

	backoff := p.cfg.RetryBackoff
	for {
		err := p.store.FinalizeAsset(ctx, ownerID, assetID, terminal)
		if err == nil {
			break
		}
		p.log.Error("terminal write failed, retrying",
			slog.String("asset_id", assetID),
			slog.String("stage", string(terminal)),
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			p.log.Error("terminal write abandoned",
				slog.String("asset_id", assetID),
				slog.String("stage", string(terminal)))
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}

	p.hub.Publish(ProgressEvent{AssetID: assetID, Stage: terminal, Percent: 100})
	if p.metrics != nil {
		p.metrics.IncProcessingCompleted(string(terminal))
	}
	p.log.Info("processing finished",
		slog.String("asset_id", assetID),
		slog.String("stage", string(terminal)))
}
