// Package pipeline sequences Extract, Transform and Load and tracks the run's
// lifecycle state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wfbase/wfetl/internal/fetch"
	"wfbase/wfetl/internal/interchange"
	"wfbase/wfetl/internal/logging"
	"wfbase/wfetl/internal/normalize"
	"wfbase/wfetl/internal/synth"
)

// ErrNotReady is returned by Load when the processed interchange area is
// incomplete. Run transform first.
var ErrNotReady = errors.New("processed data not ready")

// Source fetches one raw collection. *fetch.Fetcher satisfies it.
type Source interface {
	Fetch(ctx context.Context, endpoint string) ([]fetch.RawRecord, error)
}

// endpointFor maps a category to the source collection holding it. Arcanes
// have no collection of their own and are filtered out of the item catalog.
func endpointFor(c normalize.Category) (endpoint, filter string) {
	switch c {
	case normalize.CategoryWarframe:
		return fetch.EndpointWarframes, ""
	case normalize.CategoryWeapon:
		return fetch.EndpointWeapons, ""
	case normalize.CategoryMod:
		return fetch.EndpointMods, ""
	case normalize.CategoryArcane:
		return fetch.EndpointItems, "Arcanes"
	default:
		return "", ""
	}
}

// Options configures a Pipeline
type Options struct {
	Area       interchange.Area
	OutputFile string
	StateFile  string // empty disables run state persistence
	Dialect    synth.Dialect
	Parallel   bool // fetch all categories concurrently
}

// Pipeline runs the ETL stages once. It is not reusable after reaching done
// or failed.
type Pipeline struct {
	source  Source
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	state State
	run   *RunState

	// OnTransition, when set, is called after every state change.
	OnTransition func(from, to State)
}

// New creates an idle pipeline. A nil metrics gets a private registry.
func New(source Source, opts Options, logger *zap.Logger, metrics *Metrics) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if opts.Dialect.Name == "" {
		opts.Dialect = synth.MSSQL
	}
	runID := uuid.New().String()
	return &Pipeline{
		source:  source,
		opts:    opts,
		logger:  logging.OrNop(logger).With(zap.String("run_id", runID)),
		metrics: metrics,
		state:   StateIdle,
		run:     newRunState(opts.StateFile, runID, ""),
	}
}

// State returns the current lifecycle state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RunState returns a snapshot of the run record
func (p *Pipeline) RunState() RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := *p.run
	snap.Counts = make(map[string]StageCounts, len(p.run.Counts))
	for k, v := range p.run.Counts {
		snap.Counts[k] = v
	}
	snap.History = append([]Transition(nil), p.run.History...)
	return snap
}

// RunID returns the run's identifier
func (p *Pipeline) RunID() string { return p.run.RunID }

// Metrics returns the collectors this pipeline reports to
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

func (p *Pipeline) transition(to State, cause error) error {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	p.state = to
	p.run.record(from, to, cause)
	saveErr := p.run.save()
	p.mu.Unlock()

	if to == StateFailed {
		p.logger.Error("pipeline failed", zap.String("from", string(from)), zap.Error(cause))
	} else {
		p.logger.Info("state", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	if saveErr != nil {
		p.logger.Warn("saving run state", zap.Error(saveErr))
	}
	if p.OnTransition != nil {
		p.OnTransition(from, to)
	}
	return nil
}

func (p *Pipeline) begin(command string, first State) error {
	p.mu.Lock()
	p.run.Command = command
	p.mu.Unlock()
	if err := p.transition(first, nil); err != nil {
		return fmt.Errorf("starting %s: %w", command, err)
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	if terr := p.transition(StateFailed, err); terr != nil {
		p.logger.Warn("recording failure", zap.Error(terr))
	}
	return err
}

func (p *Pipeline) finish() error {
	if err := p.transition(StateDone, nil); err != nil {
		return err
	}
	p.metrics.LastSuccess.SetToCurrentTime()
	return nil
}

// Run executes Extract, Transform and Load in order. Each stage completes for
// every category before the next begins; the first error fails the run.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.begin("run", StateExtracting); err != nil {
		return err
	}
	if err := p.extract(ctx); err != nil {
		return p.fail(err)
	}
	if err := p.transition(StateTransforming, nil); err != nil {
		return err
	}
	if err := p.transform(ctx); err != nil {
		return p.fail(err)
	}
	if err := p.transition(StateLoading, nil); err != nil {
		return err
	}
	if err := p.load(ctx); err != nil {
		return p.fail(err)
	}
	return p.finish()
}

// RunExtract runs only the Extract stage
func (p *Pipeline) RunExtract(ctx context.Context) error {
	return p.single(ctx, "extract", StateExtracting, p.extract)
}

// RunTransform runs only the Transform stage over the raw interchange files
func (p *Pipeline) RunTransform(ctx context.Context) error {
	return p.single(ctx, "transform", StateTransforming, p.transform)
}

// RunLoad runs only the Load stage over the processed interchange files
func (p *Pipeline) RunLoad(ctx context.Context) error {
	return p.single(ctx, "load", StateLoading, p.load)
}

func (p *Pipeline) single(ctx context.Context, command string, stage State, fn func(context.Context) error) error {
	if err := p.begin(command, stage); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return p.fail(err)
	}
	return p.finish()
}

// extract fetches every category, then saves the raw files in category order.
// Nothing is written unless every fetch succeeded.
func (p *Pipeline) extract(ctx context.Context) error {
	defer p.metrics.observeStage(StateExtracting, time.Now())

	results := make([][]fetch.RawRecord, len(normalize.Categories))
	if p.opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range normalize.Categories {
			i, c := i, c
			g.Go(func() error {
				recs, err := p.extractOne(gctx, c)
				if err != nil {
					return err
				}
				results[i] = recs
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i, c := range normalize.Categories {
			recs, err := p.extractOne(ctx, c)
			if err != nil {
				return err
			}
			results[i] = recs
		}
	}

	for i, c := range normalize.Categories {
		if err := p.opts.Area.SaveRaw(c, results[i]); err != nil {
			return fmt.Errorf("saving raw %s: %w", c, err)
		}
		p.metrics.Records.WithLabelValues("extract", string(c)).Add(float64(len(results[i])))
		p.mu.Lock()
		p.run.update(c, func(sc *StageCounts) { sc.Raw = len(results[i]) })
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipeline) extractOne(ctx context.Context, c normalize.Category) ([]fetch.RawRecord, error) {
	endpoint, filter := endpointFor(c)
	recs, err := p.source.Fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", c, err)
	}
	if filter != "" {
		all := len(recs)
		recs = fetch.FilterByCategory(recs, filter)
		p.logger.Debug("filtered",
			zap.String("category", string(c)),
			zap.String("endpoint", endpoint),
			zap.Int("kept", len(recs)),
			zap.Int("of", all))
	}
	return recs, nil
}

// transform normalizes each category's raw file into its processed file.
func (p *Pipeline) transform(ctx context.Context) error {
	defer p.metrics.observeStage(StateTransforming, time.Now())

	for _, c := range normalize.Categories {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transforming: %w", err)
		}
		raws, err := p.opts.Area.LoadRaw(c)
		if err != nil {
			return fmt.Errorf("reading raw %s: %w", c, err)
		}
		res, err := normalize.Normalize(c, raws)
		if err != nil {
			return fmt.Errorf("normalizing %s: %w", c, err)
		}
		if err := p.opts.Area.SaveProcessed(c, res.Records); err != nil {
			return fmt.Errorf("saving processed %s: %w", c, err)
		}

		p.logger.Info("normalized", zap.String("category", string(c)), zap.String("summary", res.Summary()))
		if res.Dropped > 0 {
			p.logger.Debug("dropped records", zap.String("category", string(c)), zap.Int("dropped", res.Dropped))
		}
		p.metrics.Records.WithLabelValues("transform", string(c)).Add(float64(len(res.Records)))
		p.metrics.Dropped.WithLabelValues(string(c)).Add(float64(res.Dropped))
		p.mu.Lock()
		p.run.update(c, func(sc *StageCounts) {
			sc.Raw = len(raws)
			sc.Normalized = len(res.Records)
			sc.Dropped = res.Dropped
		})
		p.mu.Unlock()
	}
	return nil
}

// load reads the processed files from disk and atomically writes the batch.
func (p *Pipeline) load(ctx context.Context) error {
	defer p.metrics.observeStage(StateLoading, time.Now())

	batch, err := p.BuildBatch(ctx)
	if err != nil {
		return err
	}
	for _, c := range normalize.Categories {
		n := batch.Counts[c]
		p.logger.Info("synthesized", zap.String("category", string(c)), zap.Int("statements", n))
		p.metrics.Statements.WithLabelValues(string(c)).Add(float64(n))
		p.mu.Lock()
		p.run.update(c, func(sc *StageCounts) { sc.Statements = n })
		p.mu.Unlock()
	}

	err = interchange.WriteFile(p.opts.OutputFile, func(w io.Writer) error {
		_, err := batch.WriteTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	p.logger.Info("wrote batch", zap.String("path", p.opts.OutputFile), zap.Int("statements", batch.Len()))
	return nil
}

// BuildBatch reads every processed file and synthesizes the load batch in the
// configured dialect. A missing processed file yields ErrNotReady.
func (p *Pipeline) BuildBatch(ctx context.Context) (*synth.Batch, error) {
	return BuildBatch(ctx, p.opts.Area, p.opts.Dialect)
}

// BuildBatch reads the processed area and synthesizes a batch in dialect d.
func BuildBatch(ctx context.Context, area interchange.Area, d synth.Dialect) (*synth.Batch, error) {
	records := make(map[normalize.Category][]normalize.Record, len(normalize.Categories))
	for _, c := range normalize.Categories {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("loading: %w", err)
		}
		recs, err := area.LoadProcessed(c)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
			}
			return nil, fmt.Errorf("reading processed %s: %w", c, err)
		}
		records[c] = recs
	}
	return synth.BuildBatch(d, records), nil
}
