// Package chart runs the NL-to-chart pipeline for one request: read the
// dataset's schema and sample, ask the model for an intent, compile it,
// execute it and reshape the rows into chart series.
package chart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KaramelBytes/chartloom/internal/compiler"
	"github.com/KaramelBytes/chartloom/internal/dataset"
	"github.com/KaramelBytes/chartloom/internal/failure"
	"github.com/KaramelBytes/chartloom/internal/intent"
	"github.com/KaramelBytes/chartloom/internal/logging"
	"github.com/KaramelBytes/chartloom/internal/normalize"
	"github.com/KaramelBytes/chartloom/internal/reader"
	"github.com/KaramelBytes/chartloom/internal/storage"
	"github.com/KaramelBytes/chartloom/internal/summary"
	"github.com/KaramelBytes/chartloom/internal/utils"
	"github.com/KaramelBytes/chartloom/internal/warehouse"
)

// DefaultSampleRows is how many rows are read for the model's context.
const DefaultSampleRows = 10

const degradedNote = "Showing the number of matching rows because the full aggregation could not be computed."

// Result is the ChartQueryResult.
type Result struct {
	ChartType   intent.ChartType    `json:"chartType"`
	Labels      []string            `json:"labels"`
	Datasets    []normalize.Dataset `json:"datasets"`
	Explanation string              `json:"explanation"`
	Degraded    bool                `json:"degraded"`
}

// IntentResolver produces a validated intent for a prompt.
type IntentResolver interface {
	Resolve(ctx context.Context, req intent.Request) (*intent.Validated, *intent.Intent, error)
}

// Opener connects to a warehouse.
type Opener func(ctx context.Context, cfg warehouse.Config) (warehouse.Connector, error)

// Options wires a Service. Engine, Fetcher and Resolver are required.
type Options struct {
	Engine     Engine
	Fetcher    storage.Fetcher
	Resolver   IntentResolver
	Summarizer *summary.Summarizer
	// OpenWarehouse defaults to warehouse.Open.
	OpenWarehouse Opener
	SampleRows    int
	Compile       compiler.Options
	// Model sizes the prompt context budget.
	Model  string
	Logger *zap.Logger
}

// Service resolves chart queries. It holds no per-request state and is safe
// for concurrent use.
type Service struct {
	engine     Engine
	fetcher    storage.Fetcher
	resolver   IntentResolver
	summarizer *summary.Summarizer
	open       Opener
	sampleRows int
	compile    compiler.Options
	model      string
	normalizer *normalize.Normalizer
	log        *zap.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil || opts.Fetcher == nil || opts.Resolver == nil {
		return nil, errors.New("chart: engine, fetcher and resolver are required")
	}
	log := logging.OrNop(opts.Logger)
	if opts.Summarizer == nil {
		opts.Summarizer = summary.New(summary.DefaultOptions(), log)
	}
	if opts.OpenWarehouse == nil {
		opts.OpenWarehouse = warehouse.Open
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = DefaultSampleRows
	}
	return &Service{
		engine:     opts.Engine,
		fetcher:    opts.Fetcher,
		resolver:   opts.Resolver,
		summarizer: opts.Summarizer,
		open:       opts.OpenWarehouse,
		sampleRows: opts.SampleRows,
		compile:    opts.Compile,
		model:      opts.Model,
		normalizer: normalize.New(log),
		log:        log,
	}, nil
}

// request tracks one call's state for logging and errors.
type request struct {
	state State
	log   *zap.Logger
}

func (r *request) enter(s State) {
	r.state = s
	r.log.Debug("state", zap.String("state", string(s)))
}

func (r *request) fail(err error) error {
	r.log.Info("chart request failed",
		zap.String("state", string(r.state)),
		zap.Error(err))
	return &RequestError{State: r.state, Err: err}
}

// ResolveChartQuery runs the pipeline for one utterance. prior holds the
// earlier user turns of the same chart conversation, oldest first. Errors are
// *RequestError wrapping a failure taxonomy error.
func (s *Service) ResolveChartQuery(ctx context.Context, ref dataset.Ref, utterance string, prior []string) (*Result, error) {
	req := &request{log: s.log.With(
		zap.String("request_id", uuid.NewString()),
		zap.String("dataset", datasetName(ref)))}
	req.enter(StateReceived)

	b, err := s.openBackend(ctx, ref)
	if err != nil {
		return nil, req.fail(err)
	}
	defer b.close()

	cols, err := b.columns(ctx)
	if err != nil {
		return nil, req.fail(err)
	}
	sample, err := b.sample(ctx, s.sampleRows)
	if err != nil {
		return nil, req.fail(err)
	}
	summ := s.summarizer.Summarize(datasetName(ref), cols, sample)
	rendered := s.summarizer.RenderWithin(summ, s.summarizer.BudgetForModel(s.model))
	req.log.Debug("context rendered",
		zap.Int("chars", len(rendered)),
		zap.Int("approx_tokens", utils.CountTokens(rendered)))
	req.enter(StateContextBuilt)

	req.enter(StateIntentRequested)
	v, _, err := s.resolver.Resolve(ctx, intent.Request{
		Prompt: intent.PromptInput{
			Dataset:   datasetName(ref),
			Context:   rendered,
			Prior:     prior,
			Utterance: utterance,
		},
		Columns: cols,
	})
	if err != nil {
		var pe *failure.IntentParseError
		var ve *failure.IntentValidationError
		if errors.As(err, &pe) || errors.As(err, &ve) {
			req.enter(StateIntentRejected)
		}
		return nil, req.fail(err)
	}
	req.enter(StateIntentValidated)

	plan, err := compiler.Compile(v, cols, b.target(), s.compile)
	if err != nil {
		return nil, req.fail(err)
	}
	req.enter(StateQueryCompiled)

	res := &Result{ChartType: v.ChartType, Explanation: v.Explanation}
	series, err := s.execute(ctx, b, plan)
	if err == nil {
		req.enter(StateExecuted)
	} else {
		req.enter(StateExecutionFailed)
		if ctx.Err() != nil {
			return nil, req.fail(ctx.Err())
		}
		req.log.Warn("aggregation failed, trying row count", zap.Error(err))
		degraded, ferr := s.degrade(ctx, b, plan)
		if ferr != nil {
			req.log.Warn("row count fallback failed", zap.Error(ferr))
			return nil, req.fail(err)
		}
		series = degraded
		res.Degraded = true
		res.Explanation = strings.TrimSpace(res.Explanation + " " + degradedNote)
	}
	req.enter(StateNormalized)

	res.Labels = series.Labels
	res.Datasets = series.Datasets
	req.enter(StateDone)
	req.log.Info("chart resolved",
		zap.String("query", string(plan.Query)),
		zap.Int("labels", len(res.Labels)),
		zap.Int("datasets", len(res.Datasets)),
		zap.Bool("degraded", res.Degraded))
	return res, nil
}

// execute runs every part of the plan and reshapes the rows. A reshape
// failure counts as an execution failure.
func (s *Service) execute(ctx context.Context, b backend, p *compiler.Plan) (normalize.Result, error) {
	results := make([]dataset.RowSet, 0, len(p.Parts))
	for _, part := range p.Parts {
		rs, err := b.run(ctx, part.SQL)
		if err != nil {
			return normalize.Result{}, err
		}
		results = append(results, rs)
	}
	out, err := s.normalizer.Reshape(p, results)
	if err != nil {
		return normalize.Result{}, &failure.QueryExecutionError{Query: p.Parts[0].SQL, Err: err}
	}
	return out, nil
}

func (s *Service) degrade(ctx context.Context, b backend, p *compiler.Plan) (normalize.Result, error) {
	rs, err := b.run(ctx, p.Fallback)
	if err != nil {
		return normalize.Result{}, err
	}
	return s.normalizer.Degraded(rs)
}

func (s *Service) openBackend(ctx context.Context, ref dataset.Ref) (backend, error) {
	if w := ref.Warehouse; w != nil {
		conn, err := s.open(ctx, warehouse.Config{Driver: w.Driver, DSN: w.DSN})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &failure.DataSourceUnreadableError{Path: w.Schema + "." + w.Table, Reason: "warehouse connection failed", Err: err}
		}
		return &warehouseBackend{conn: conn, schema: w.Schema, table: w.Table, log: s.log}, nil
	}

	path, err := s.fetcher.Fetch(ctx, ref.Location)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &failure.DataSourceUnreadableError{Path: ref.Location, Reason: "dataset could not be fetched", Err: err}
	}
	release := func() {
		if err := s.fetcher.Release(path); err != nil {
			s.log.Warn("release dataset copy", zap.String("path", path), zap.Error(err))
		}
	}
	return &fileBackend{engine: s.engine, src: reader.SourceFor(ref, path), release: release}, nil
}

func datasetName(ref dataset.Ref) string {
	switch {
	case ref.ID != "":
		return ref.ID
	case ref.Warehouse != nil:
		if ref.Warehouse.Schema == "" {
			return ref.Warehouse.Table
		}
		return fmt.Sprintf("%s.%s", ref.Warehouse.Schema, ref.Warehouse.Table)
	}
	return ref.Location
}
