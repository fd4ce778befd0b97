// Package simulation runs rules over a catalog snapshot, keeps the resulting
// preview, and applies the confirmed changes to the external catalog.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/rules"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoRulesConfigured = errors.New("no rules configured")
	ErrBusy              = errors.New("another simulation or apply is in progress")
	ErrNotConfirmed      = errors.New("apply was not confirmed")
	ErrExternalCall      = errors.New("external price update failed")
)

// State of a Workflow
type State int

const (
	Idle State = iota
	Simulating
	PreviewReady
	Applying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Simulating:
		return "simulating"
	case PreviewReady:
		return "preview_ready"
	case Applying:
		return "applying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Idle, Simulating, PreviewReady, Applying} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown workflow state %q", text)
}

// Evaluator decides the outcome for one product
type Evaluator interface {
	Evaluate(p rules.Product, ruleList []rules.Rule) (rules.Outcome, error)
}

// PriceUpdater writes one product's price to the external catalog
type PriceUpdater interface {
	UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error
}

// Confirmer is asked before any price is written; pending is the number of changes
type Confirmer func(pending int) bool

// Confirmed is a Confirmer for callers that already hold the user's consent
func Confirmed(int) bool { return true }

// Options tunes a Workflow
type Options struct {
	// Concurrency bounds in-flight price updates. 1 applies strictly in order.
	Concurrency int
	// ChunkSize is how many products are evaluated between cancellation checks
	ChunkSize int
	// OnProgress is called after each attempted update
	OnProgress func(done, total int)
}

// DefaultOptions applies sequentially and evaluates in chunks of 500
func DefaultOptions() Options {
	return Options{Concurrency: 1, ChunkSize: 500}
}

// Preview is the outcome of the last simulation
type Preview struct {
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// Failure records one update that did not succeed
type Failure struct {
	ProductID string          `json:"productId"`
	Price     decimal.Decimal `json:"price"`
	Err       error           `json:"-"`
	Message   string          `json:"error"`
}

// ApplyReport is the aggregate result of ApplyChanges
type ApplyReport struct {
	Succeeded int       `json:"succeeded"`
	Total     int       `json:"total"`
	Attempted int       `json:"attempted"`
	Failures  []Failure `json:"failures,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
	// Remaining counts changes never attempted; they stay in the preview
	Remaining int `json:"remaining,omitempty"`
}

// Complete reports whether every pending change was written
func (r ApplyReport) Complete() bool {
	return r.Succeeded == r.Total
}

// Workflow drives Idle -> Simulating -> PreviewReady -> Applying -> Idle
type Workflow struct {
	evaluator Evaluator
	updater   PriceUpdater
	opts      Options
	now       func() time.Time

	mu      sync.Mutex
	state   State
	preview *Preview
}

// NewWorkflow creates a workflow in the Idle state
func NewWorkflow(evaluator Evaluator, updater PriceUpdater, opts Options) *Workflow {
	defaults := DefaultOptions()
	if opts.Concurrency < 1 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = defaults.ChunkSize
	}
	return &Workflow{
		evaluator: evaluator,
		updater:   updater,
		opts:      opts,
		now:       time.Now,
	}
}

// State returns the current state
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Preview returns the current preview, nil unless PreviewReady
func (w *Workflow) Preview() (*Preview, State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.preview, w.state
}

// Discard drops a ready preview and returns to Idle
func (w *Workflow) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case Simulating, Applying:
		return ErrBusy
	}
	w.state = Idle
	w.preview = nil
	return nil
}

// begin moves into an in-flight state, remembering where to return on failure
func (w *Workflow) begin(next State) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.state
	if prev == Simulating || prev == Applying {
		return prev, fmt.Errorf("workflow is %s: %w", prev, ErrBusy)
	}
	w.state = next
	return prev, nil
}

func (w *Workflow) restore(prev State) {
	w.mu.Lock()
	w.state = prev
	w.mu.Unlock()
}

// RunSimulation evaluates every product against ruleList and stores the preview.
// It reads nothing external and writes nothing. Products that cannot be
// evaluated are flagged unchanged and do not stop the run.
func (w *Workflow) RunSimulation(ctx context.Context, products []rules.Product, ruleList []rules.Rule) (*Preview, error) {
	if len(ruleList) == 0 {
		return nil, ErrNoRulesConfigured
	}

	prev, err := w.begin(Simulating)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(products))
	for start := 0; start < len(products); start += w.opts.ChunkSize {
		if err := ctx.Err(); err != nil {
			w.restore(prev)
			return nil, fmt.Errorf("simulation cancelled: %w", err)
		}

		end := min(start+w.opts.ChunkSize, len(products))
		for _, p := range products[start:end] {
			out, evalErr := w.evaluator.Evaluate(p, ruleList)
			if evalErr != nil {
				logger.Warn("product flagged during simulation", "product_id", p.ID, "error", evalErr)
			}
			results = append(results, newResult(p, out, evalErr))
		}
	}

	preview := &Preview{
		Results:   results,
		Summary:   Summarize(results),
		CreatedAt: w.now(),
	}

	w.mu.Lock()
	w.state = PreviewReady
	w.preview = preview
	w.mu.Unlock()

	logger.Info("simulation finished",
		"products", preview.Summary.Total,
		"changed", preview.Summary.Changed,
		"flagged", preview.Summary.Flagged,
	)
	return preview, nil
}

// ApplyChanges writes every changed result's new price, best effort.
//
// Nothing is sent unless confirm approves the pending count. One failed update
// never stops the others and nothing is rolled back; failures are collected in
// the report. Cancelling ctx stops further calls and returns ctx's error with
// the partial report; the changes that were never attempted are kept as a
// ready preview so they can be applied later. Otherwise the workflow ends Idle
// with the preview discarded.
func (w *Workflow) ApplyChanges(ctx context.Context, results []Result, confirm Confirmer) (ApplyReport, error) {
	pending := ChangedOnly(results)
	if len(pending) == 0 {
		return ApplyReport{}, nil
	}

	if confirm == nil || !confirm(len(pending)) {
		return ApplyReport{}, ErrNotConfirmed
	}

	if _, err := w.begin(Applying); err != nil {
		return ApplyReport{}, err
	}

	logger.Info("applying price changes", "pending", len(pending), "concurrency", w.opts.Concurrency)

	attempted := make([]bool, len(pending))
	var report ApplyReport
	if w.opts.Concurrency == 1 {
		report = w.applySequential(ctx, pending, attempted)
	} else {
		report = w.applyConcurrent(ctx, pending, attempted)
	}

	var remaining []Result
	if report.Cancelled {
		for i, r := range pending {
			if !attempted[i] {
				remaining = append(remaining, r)
			}
		}
		report.Remaining = len(remaining)
	}
	w.finishApply(remaining)

	logger.Info("apply finished",
		"succeeded", report.Succeeded,
		"total", report.Total,
		"attempted", report.Attempted,
		"remaining", report.Remaining,
		"cancelled", report.Cancelled,
	)

	if report.Cancelled {
		return report, fmt.Errorf("apply cancelled after %d of %d updates: %w", report.Attempted, report.Total, ctx.Err())
	}
	return report, nil
}

// finishApply leaves Applying. Unattempted changes become the new preview.
func (w *Workflow) finishApply(remaining []Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(remaining) == 0 {
		w.state = Idle
		w.preview = nil
		return
	}
	w.state = PreviewReady
	w.preview = &Preview{
		Results:   remaining,
		Summary:   Summarize(remaining),
		CreatedAt: w.now(),
	}
}

// ApplyPreview applies the current preview
func (w *Workflow) ApplyPreview(ctx context.Context, confirm Confirmer) (ApplyReport, error) {
	preview, _ := w.Preview()
	if preview == nil {
		return ApplyReport{}, nil
	}
	return w.ApplyChanges(ctx, preview.Results, confirm)
}

func (w *Workflow) update(ctx context.Context, r Result) error {
	if err := w.updater.UpdateProductPrice(ctx, r.Product.ID, r.NewPrice); err != nil {
		logger.WarnPriceUpdate(r.Product.ID, err)
		return fmt.Errorf("%w: product %s: %w", ErrExternalCall, r.Product.ID, err)
	}
	return nil
}

func (w *Workflow) progress(done, total int) {
	if w.opts.OnProgress != nil {
		w.opts.OnProgress(done, total)
	}
}

// applySequential marks attempted[i] for every pending[i] it sends
func (w *Workflow) applySequential(ctx context.Context, pending []Result, attempted []bool) ApplyReport {
	report := ApplyReport{Total: len(pending)}

	for i, r := range pending {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		attempted[i] = true
		report.Attempted++
		if err := w.update(ctx, r); err != nil {
			report.Failures = append(report.Failures, failure(r, err))
		} else {
			report.Succeeded++
		}
		w.progress(report.Attempted, report.Total)
	}
	return report
}

// applyConcurrent keeps the sequential contract with at most Concurrency calls in flight
func (w *Workflow) applyConcurrent(ctx context.Context, pending []Result, attempted []bool) ApplyReport {
	report := ApplyReport{Total: len(pending)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)

	for i, r := range pending {
		if ctx.Err() != nil {
			break
		}
		i, r := i, r
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := w.update(ctx, r)

			mu.Lock()
			defer mu.Unlock()
			attempted[i] = true
			report.Attempted++
			if err != nil {
				report.Failures = append(report.Failures, failure(r, err))
			} else {
				report.Succeeded++
			}
			w.progress(report.Attempted, report.Total)
			// per-item failures never cancel the group
			return nil
		})
	}
	_ = g.Wait()

	report.Cancelled = report.Attempted < report.Total && ctx.Err() != nil
	return report
}

func failure(r Result, err error) Failure {
	return Failure{
		ProductID: r.Product.ID,
		Price:     r.NewPrice,
		Err:       err,
		Message:   err.Error(),
	}
}
