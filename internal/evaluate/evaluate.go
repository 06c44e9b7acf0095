// Package evaluate orchestrates the pipeline: discover runs, fan work out to
// a bounded worker pool, and funnel results through a single writer into the
// store. One bad run fails that run's record, never the evaluation; only an
// unreadable grid root or a store failure aborts the whole pass.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sdbgrid/internal/config"
	"sdbgrid/internal/locator"
	"sdbgrid/internal/mesa"
	"sdbgrid/internal/params"
	"sdbgrid/internal/phase"
	"sdbgrid/internal/quantity"
	"sdbgrid/internal/store"
	"sdbgrid/internal/types"
	"sdbgrid/internal/workspace"
)

// Evaluator runs one evaluation pass over the grid. Phases and quantities
// are compiled once at construction and shared read-only across workers.
type Evaluator struct {
	cfg       *config.Config
	store     *store.GridStore
	logger    *zap.Logger
	phases    []phase.Phase
	extractor *quantity.Extractor
	required  []string
	timeout   time.Duration

	// attempt executes one pipeline pass for one run. Defaults to runOnce;
	// swapped in tests to exercise the retry policy in isolation.
	attempt func(ctx context.Context, ref types.RunReference) (types.ResultRecord, error)
}

// New compiles the configured phases and quantities into an Evaluator.
func New(cfg *config.Config, st *store.GridStore, logger *zap.Logger) (*Evaluator, error) {
	phases, err := phase.CompileAll(cfg.Phases)
	if err != nil {
		return nil, err
	}
	extractor, err := quantity.New(cfg.Quantities)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Evaluation.Timeout()
	if err != nil {
		return nil, err
	}

	required := extractor.Columns()
	seen := make(map[string]bool, len(required))
	for _, c := range required {
		seen[c] = true
	}
	for _, p := range phases {
		if !seen[p.Column] {
			seen[p.Column] = true
			required = append(required, p.Column)
		}
	}

	e := &Evaluator{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		phases:    phases,
		extractor: extractor,
		required:  required,
		timeout:   timeout,
	}
	e.attempt = e.runOnce
	return e, nil
}

// Run executes one full evaluation pass and returns its summary. The
// returned error is non-nil only for evaluation-level failures (discovery,
// store writes); per-run failures are counted in the summary.
func (e *Evaluator) Run(ctx context.Context) (types.Summary, error) {
	refs, err := locator.Locate(e.cfg.Grid.Root, locator.Options{
		RunGlob:     e.cfg.Grid.RunGlob,
		HistoryFile: e.cfg.Grid.HistoryFile,
		ArchiveGlob: e.cfg.Grid.ArchiveGlob,
	})
	if err != nil {
		return types.Summary{}, err
	}
	e.logger.Info("discovered runs", zap.Int("count", len(refs)))

	var summary types.Summary
	work := refs
	if e.cfg.Evaluation.SkipUnchanged {
		stored, err := e.store.Fingerprints(ctx)
		if err != nil {
			return types.Summary{}, err
		}
		work = work[:0:0]
		for _, ref := range refs {
			if ref.Fingerprint != "" && stored[ref.ID()] == ref.Fingerprint {
				summary.Skipped++
				continue
			}
			work = append(work, ref)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := e.cfg.Evaluation.WorkerCount()
	results := make(chan types.ResultRecord, workers)

	// Single writer: the store sees one mutator, and a full channel applies
	// backpressure to the workers instead of buffering the whole grid.
	// Writes run outside the cancellable context: on cancellation, records
	// already completed and queued must still land before Run returns.
	writeCtx := context.WithoutCancel(ctx)
	var writeErr error
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for rec := range results {
			if writeErr != nil {
				continue // drain so workers can finish
			}
			if err := e.store.UpsertResult(writeCtx, rec); err != nil {
				writeErr = err
				cancel()
				continue
			}
			if rec.Status == types.StatusSuccess {
				summary.Succeeded++
				e.logger.Debug("run evaluated", zap.String("run", rec.RunID))
			} else {
				summary.Failed++
				summary.Failures = append(summary.Failures, types.RunFailure{
					RunID:  rec.RunID,
					Reason: rec.FailReason,
				})
				e.logger.Warn("run failed",
					zap.String("run", rec.RunID),
					zap.String("reason", rec.FailReason))
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ref := range work {
		ref := ref
		g.Go(func() error {
			rec := e.evaluateRun(gctx, ref)
			select {
			case results <- rec:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	gErr := g.Wait()
	close(results)
	<-writerDone

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].RunID < summary.Failures[j].RunID
	})

	if writeErr != nil {
		return summary, writeErr
	}
	if gErr != nil {
		return summary, gErr
	}
	e.logger.Info("evaluation complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// evaluateRun runs the per-run pipeline with retries and the per-run time
// budget. It always produces a record; every failure mode folds into a
// failed one.
func (e *Evaluator) evaluateRun(ctx context.Context, ref types.RunReference) types.ResultRecord {
	var rec types.ResultRecord
	var err error
	for attempt := 0; ; attempt++ {
		rec, err = e.attempt(ctx, ref)
		if err == nil || isPermanent(err) || attempt >= e.cfg.Evaluation.Retries {
			break
		}
		e.logger.Debug("retrying run",
			zap.String("run", ref.ID()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err == nil {
		return rec
	}

	failed := types.ResultRecord{
		RunID:       ref.ID(),
		Fingerprint: ref.Fingerprint,
		Status:      types.StatusFailed,
		FailReason:  err.Error(),
	}
	// Best effort: a record of a failed run still carries its parameters
	// when the name encodes them.
	if p, perr := params.Parse(ref.ID()); perr == nil {
		failed.Params = p
	}
	return failed
}

// runOnce executes the pipeline once under the per-run time budget. Panics
// from any stage are caught here and surface as this run's failure.
func (e *Evaluator) runOnce(ctx context.Context, ref types.RunReference) (rec types.ResultRecord, err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &types.TimeoutError{RunID: ref.ID(), Limit: e.timeout}
		}
	}()

	runParams, err := params.Parse(ref.ID())
	if err != nil {
		return rec, err
	}

	ws, err := workspace.Open(ctx, e.cfg.Grid.Root, ref, workspace.Options{
		ScratchRoot: e.cfg.Evaluation.ScratchRoot,
		HistoryFile: e.cfg.Grid.HistoryFile,
	})
	if err != nil {
		return rec, err
	}
	defer ws.Close()

	histPath, err := findHistory(ws.Dir(), e.cfg.Grid.HistoryFile)
	if err != nil {
		return rec, err
	}
	tbl, err := mesa.ReadHistory(histPath, mesa.Options{})
	if err != nil {
		return rec, err
	}
	if err := tbl.RequireColumns(e.required...); err != nil {
		return rec, err
	}
	if err := ctx.Err(); err != nil {
		return rec, err
	}

	phaseResults := make(map[string]types.PhaseResult, len(e.phases))
	for _, p := range e.phases {
		det, err := p.Detect(tbl)
		if err != nil {
			return rec, err
		}
		if !det.Found {
			phaseResults[p.Name] = types.PhaseResult{Found: false, Row: -1}
			continue
		}
		prof, err := e.loadProfile(ws.Dir(), tbl, p, det)
		if err != nil {
			return rec, err
		}
		values, err := e.extractor.Extract(tbl, prof, det)
		if err != nil {
			return rec, err
		}
		phaseResults[p.Name] = types.PhaseResult{Found: true, Row: det.Row, Values: values}
	}

	return types.ResultRecord{
		RunID:       ref.ID(),
		Fingerprint: ref.Fingerprint,
		Status:      types.StatusSuccess,
		Params:      runParams,
		Phases:      phaseResults,
	}, nil
}

// loadProfile reads the profile snapshot nearest the detected phase point,
// when any configured quantity needs one. Profile files encode the driving
// abundance in their names, so "nearest" is measured against the phase
// column's value at the detection.
func (e *Evaluator) loadProfile(dir string, tbl *types.HistoryTable, p phase.Phase, det phase.Detection) (*types.ProfileSnapshot, error) {
	if !e.extractor.NeedsProfile() {
		return nil, nil
	}
	target, err := det.At(tbl, p.Column)
	if err != nil {
		return nil, err
	}
	path, err := workspace.NearestProfile(dir, e.cfg.Grid.ProfileGlob, target)
	if err != nil {
		return nil, err
	}
	return mesa.ReadProfile(path, mesa.Options{})
}

// findHistory resolves the history glob inside a materialized run
// directory. The lexicographically first match wins.
func findHistory(dir, glob string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil || len(matches) == 0 {
		return "", &types.MissingFileError{Path: filepath.Join(dir, glob)}
	}
	sort.Strings(matches)
	return matches[0], nil
}

// isPermanent reports whether retrying the run could possibly change the
// outcome. Malformed or missing data stays malformed; only unclassified
// errors (I/O hiccups) are worth a retry.
func isPermanent(err error) bool {
	var (
		corrupt   *types.CorruptArchiveError
		missing   *types.MissingFileError
		malformed *types.MalformedTableError
		column    *types.MissingColumnError
		parse     *types.ParseError
		timeout   *types.TimeoutError
	)
	switch {
	case errors.As(err, &corrupt),
		errors.As(err, &missing),
		errors.As(err, &malformed),
		errors.As(err, &column),
		errors.As(err, &parse),
		errors.As(err, &timeout),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}
