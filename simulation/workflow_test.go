package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUpdater struct {
	mock.Mock
}

func (m *mockUpdater) UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	args := m.Called(ctx, productID, price)
	return args.Error(0)
}

// recordingUpdater remembers every call; ids in fail return an error
type recordingUpdater struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (u *recordingUpdater) UpdateProductPrice(_ context.Context, productID string, _ decimal.Decimal) error {
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		cur := u.maxInFlight.Load()
		if n <= cur || u.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	u.mu.Lock()
	u.calls = append(u.calls, productID)
	u.mu.Unlock()

	if u.fail[productID] {
		return errors.New("erp returned 500")
	}
	return nil
}

func (u *recordingUpdater) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func frontalRule() rules.Rule {
	return rules.Rule{
		ID:                   "r1",
		Name:                 "Frontal +10",
		ProductType:          "Frontal",
		ReferencePrice:       dec("100"),
		Condition:            rules.ConditionGreater,
		AdjustmentPercentage: dec("10"),
		Active:               true,
	}
}

func catalogProducts() []rules.Product {
	return []rules.Product{
		{ID: "1", Name: "Frontal A", GroupName: "Displays", CurrentPrice: dec("150"), Stock: 1},
		{ID: "2", Name: "Frontal B", GroupName: "Displays", CurrentPrice: dec("200"), Stock: 2},
		{ID: "3", Name: "Bateria", GroupName: "Baterias", CurrentPrice: dec("300"), Stock: 3},
		{ID: "4", Name: "Frontal C", GroupName: "Displays", CurrentPrice: dec("400"), Stock: 4},
		{ID: "5", Name: "Frontal D", GroupName: "Displays", CurrentPrice: dec("50"), Stock: 5},
	}
}

func newTestWorkflow(t *testing.T, updater PriceUpdater, opts Options) *Workflow {
	t.Helper()
	en, err := rules.NewEngine()
	require.NoError(t, err)
	return NewWorkflow(en, updater, opts)
}

func changedResults(ids ...string) []Result {
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		out = append(out, Result{
			Product:  rules.Product{ID: id},
			OldPrice: dec("10"),
			NewPrice: dec("11"),
			Status:   StatusChanged,
		})
	}
	return out
}

func TestRunSimulationBuildsPreview(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())

	preview, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	require.NoError(t, err)

	assert.Equal(t, PreviewReady, w.State())
	assert.Equal(t, Summary{Total: 5, Changed: 3, Unchanged: 2}, preview.Summary)

	first := preview.Results[0]
	assert.Equal(t, StatusChanged, first.Status)
	assert.True(t, first.NewPrice.Equal(dec("165")))
	assert.True(t, first.DiffPercent.Equal(dec("10")))
	require.NotNil(t, first.MatchedRule)
	assert.Equal(t, "Frontal +10", *first.MatchedRule)

	battery := preview.Results[2]
	assert.Equal(t, StatusUnchanged, battery.Status)
	assert.Nil(t, battery.MatchedRule)
	assert.Equal(t, rules.ReasonNoRuleMatched, battery.Reason)

	current, state := w.Preview()
	assert.Same(t, preview, current)
	assert.Equal(t, PreviewReady, state)
}

// Scenario C: no rules means no preview
func TestRunSimulationNoRules(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())

	preview, err := w.RunSimulation(context.Background(), catalogProducts(), nil)
	require.ErrorIs(t, err, ErrNoRulesConfigured)
	assert.Nil(t, preview)
	assert.Equal(t, Idle, w.State())

	current, _ := w.Preview()
	assert.Nil(t, current)
}

func TestRunSimulationOnlyInactiveRules(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())
	off := frontalRule()
	off.Active = false

	preview, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{off})
	require.NoError(t, err)
	assert.Equal(t, 0, preview.Summary.Changed)
}

func TestRunSimulationFlagsInvalidProducts(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())
	products := append(catalogProducts(), rules.Product{ID: "bad", Name: "Frontal Z", CurrentPrice: dec("-10")})

	preview, err := w.RunSimulation(context.Background(), products, []rules.Rule{frontalRule()})
	require.NoError(t, err)

	bad := preview.Results[len(preview.Results)-1]
	assert.True(t, bad.Flagged)
	assert.Equal(t, StatusUnchanged, bad.Status)
	assert.Equal(t, rules.ReasonInvalidInput, bad.Reason)
	assert.NotEmpty(t, bad.Error)
	assert.Equal(t, 1, preview.Summary.Flagged)
	// the rest of the run is unaffected
	assert.Equal(t, 3, preview.Summary.Changed)
}

func TestRunSimulationCancelled(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, Options{ChunkSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.RunSimulation(ctx, catalogProducts(), []rules.Rule{frontalRule()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, w.State())
}

func TestDiscard(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())
	_, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	require.NoError(t, err)

	require.NoError(t, w.Discard())

	preview, state := w.Preview()
	assert.Nil(t, preview)
	assert.Equal(t, Idle, state)
}

func TestApplyChangesSendsOnlyChanged(t *testing.T) {
	updater := new(mockUpdater)
	updater.On("UpdateProductPrice", mock.Anything, "1", mock.MatchedBy(func(p decimal.Decimal) bool { return p.Equal(dec("165")) })).Return(nil).Once()
	updater.On("UpdateProductPrice", mock.Anything, "2", mock.MatchedBy(func(p decimal.Decimal) bool { return p.Equal(dec("220")) })).Return(nil).Once()
	updater.On("UpdateProductPrice", mock.Anything, "4", mock.MatchedBy(func(p decimal.Decimal) bool { return p.Equal(dec("440")) })).Return(nil).Once()

	w := newTestWorkflow(t, updater, DefaultOptions())
	preview, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	require.NoError(t, err)

	var asked int
	report, err := w.ApplyChanges(context.Background(), preview.Results, func(pending int) bool {
		asked = pending
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, 3, asked)
	assert.Equal(t, ApplyReport{Succeeded: 3, Total: 3, Attempted: 3}, report)
	assert.True(t, report.Complete())
	updater.AssertExpectations(t)

	preview2, state := w.Preview()
	assert.Nil(t, preview2)
	assert.Equal(t, Idle, state)
}

// Scenario D: the second of three calls fails, the third is still attempted
func TestApplyChangesContinuesOnError(t *testing.T) {
	updater := new(mockUpdater)
	updater.On("UpdateProductPrice", mock.Anything, "a", mock.Anything).Return(nil).Once()
	updater.On("UpdateProductPrice", mock.Anything, "b", mock.Anything).Return(errors.New("timeout")).Once()
	updater.On("UpdateProductPrice", mock.Anything, "c", mock.Anything).Return(nil).Once()

	w := newTestWorkflow(t, updater, DefaultOptions())
	report, err := w.ApplyChanges(context.Background(), changedResults("a", "b", "c"), Confirmed)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Attempted)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b", report.Failures[0].ProductID)
	assert.ErrorIs(t, report.Failures[0].Err, ErrExternalCall)
	assert.False(t, report.Complete())
	updater.AssertExpectations(t)
	updater.AssertNumberOfCalls(t, "UpdateProductPrice", 3)
}

func TestApplyChangesSequentialOrder(t *testing.T) {
	updater := &recordingUpdater{}
	w := newTestWorkflow(t, updater, DefaultOptions())

	_, err := w.ApplyChanges(context.Background(), changedResults("a", "b", "c", "d"), Confirmed)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, updater.Calls())
	assert.Equal(t, int32(1), updater.maxInFlight.Load())
}

func TestApplyChangesIdempotent(t *testing.T) {
	updater := &recordingUpdater{}
	w := newTestWorkflow(t, updater, DefaultOptions())
	results := changedResults("a", "b")

	first, err := w.ApplyChanges(context.Background(), results, Confirmed)
	require.NoError(t, err)
	second, err := w.ApplyChanges(context.Background(), results, Confirmed)
	require.NoError(t, err)

	assert.Equal(t, first.Succeeded, second.Succeeded)
	assert.Len(t, updater.Calls(), 4)
}

func TestApplyChangesNotConfirmed(t *testing.T) {
	updater := new(mockUpdater)
	w := newTestWorkflow(t, updater, DefaultOptions())
	preview, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	require.NoError(t, err)

	_, err = w.ApplyChanges(context.Background(), preview.Results, func(int) bool { return false })
	require.ErrorIs(t, err, ErrNotConfirmed)

	_, err = w.ApplyChanges(context.Background(), preview.Results, nil)
	require.ErrorIs(t, err, ErrNotConfirmed)

	updater.AssertNotCalled(t, "UpdateProductPrice", mock.Anything, mock.Anything, mock.Anything)
	current, state := w.Preview()
	assert.Same(t, preview, current)
	assert.Equal(t, PreviewReady, state)
}

func TestApplyChangesNothingPending(t *testing.T) {
	updater := new(mockUpdater)
	w := newTestWorkflow(t, updater, DefaultOptions())

	unchanged := []Result{{Product: rules.Product{ID: "x"}, Status: StatusUnchanged}}
	report, err := w.ApplyChanges(context.Background(), unchanged, func(int) bool {
		t.Error("confirm should not be asked when nothing changed")
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyReport{}, report)
	updater.AssertNotCalled(t, "UpdateProductPrice", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyChangesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updater := new(mockUpdater)
	updater.On("UpdateProductPrice", mock.Anything, "a", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		cancel()
	}).Once()

	w := newTestWorkflow(t, updater, DefaultOptions())
	report, err := w.ApplyChanges(ctx, changedResults("a", "b", "c"), Confirmed)

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Remaining)
	updater.AssertNumberOfCalls(t, "UpdateProductPrice", 1)

	preview, state := w.Preview()
	assert.Equal(t, PreviewReady, state, "unattempted changes stay ready")
	require.NotNil(t, preview)
	require.Len(t, preview.Results, 2)
	assert.Equal(t, "b", preview.Results[0].Product.ID)
	assert.Equal(t, "c", preview.Results[1].Product.ID)
	assert.Equal(t, 2, preview.Summary.Changed)
}

func TestApplyPreviewResumesAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updater := &recordingUpdater{}
	var calls int
	opts := DefaultOptions()
	opts.OnProgress = func(int, int) {
		calls++
		if calls == 1 {
			cancel()
		}
	}
	w := newTestWorkflow(t, updater, opts)

	_, err := w.ApplyChanges(ctx, changedResults("a", "b", "c"), Confirmed)
	require.ErrorIs(t, err, context.Canceled)

	report, err := w.ApplyPreview(context.Background(), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, Idle, w.State())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, updater.Calls())
}

func TestApplyChangesConcurrentCancelKeepsUnattempted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	updater := new(mockUpdater)
	updater.On("UpdateProductPrice", mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		cancel()
	})

	opts := DefaultOptions()
	opts.Concurrency = 2
	w := newTestWorkflow(t, updater, opts)
	report, err := w.ApplyChanges(ctx, changedResults("a", "b", "c", "d", "e", "f"), Confirmed)

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	assert.Equal(t, report.Total-report.Attempted, report.Remaining)

	preview, state := w.Preview()
	assert.Equal(t, PreviewReady, state)
	require.NotNil(t, preview)
	assert.Len(t, preview.Results, report.Remaining)
}

func TestApplyChangesProgress(t *testing.T) {
	var seen []string
	opts := DefaultOptions()
	opts.OnProgress = func(done, total int) {
		seen = append(seen, fmt.Sprintf("%d/%d", done, total))
	}
	w := newTestWorkflow(t, &recordingUpdater{fail: map[string]bool{"b": true}}, opts)

	_, err := w.ApplyChanges(context.Background(), changedResults("a", "b", "c"), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/3", "2/3", "3/3"}, seen)
}

func TestApplyChangesConcurrent(t *testing.T) {
	updater := &recordingUpdater{
		fail:  map[string]bool{"p3": true, "p7": true},
		delay: 5 * time.Millisecond,
	}
	w := newTestWorkflow(t, updater, Options{Concurrency: 3})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%d", i)
	}

	report, err := w.ApplyChanges(context.Background(), changedResults(ids...), Confirmed)
	require.NoError(t, err)

	assert.Equal(t, 8, report.Succeeded)
	assert.Equal(t, 10, report.Total)
	assert.Equal(t, 10, report.Attempted)
	assert.Len(t, report.Failures, 2)
	assert.ElementsMatch(t, ids, updater.Calls())
	assert.LessOrEqual(t, updater.maxInFlight.Load(), int32(3))
}

func TestApplyChangesBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	updater := new(mockUpdater)
	updater.On("UpdateProductPrice", mock.Anything, "slow", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Once()

	w := newTestWorkflow(t, updater, DefaultOptions())

	done := make(chan error, 1)
	go func() {
		_, err := w.ApplyChanges(context.Background(), changedResults("slow"), Confirmed)
		done <- err
	}()
	<-started

	assert.Equal(t, Applying, w.State())
	_, err := w.ApplyChanges(context.Background(), changedResults("other"), Confirmed)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, w.Discard(), ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, w.State())
}

func TestApplyPreview(t *testing.T) {
	updater := &recordingUpdater{}
	w := newTestWorkflow(t, updater, DefaultOptions())

	report, err := w.ApplyPreview(context.Background(), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)

	_, err = w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{frontalRule()})
	require.NoError(t, err)

	report, err = w.ApplyPreview(context.Background(), Confirmed)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, []string{"1", "2", "4"}, updater.Calls())
}

func TestQuoteResale(t *testing.T) {
	products := []rules.Product{
		{ID: "1", Name: "Frontal", GroupID: "10", GroupName: "Displays", CurrentPrice: dec("143.46")},
		{ID: "2", Name: "Bateria", GroupID: "20", GroupName: "Baterias", CurrentPrice: dec("50")},
		{ID: "3", Name: "Broken", GroupID: "10", GroupName: "Displays", CurrentPrice: dec("-1")},
	}

	report := QuoteResale(products, "", dec("10"), pricing.CeilTenth)
	require.Len(t, report.Quotes, 3)
	// 143.46 * 1.1 = 157.806 -> 157.9
	assert.True(t, report.Quotes[0].ResalePrice.Equal(dec("157.9")), report.Quotes[0].ResalePrice.String())
	assert.True(t, report.Quotes[1].ResalePrice.Equal(dec("55")))
	assert.NotEmpty(t, report.Quotes[2].Error)
	assert.Equal(t, 1, report.Skipped)

	byName := QuoteResale(products, "displays", dec("10"), pricing.CeilUnit)
	require.Len(t, byName.Quotes, 2)
	assert.True(t, byName.Quotes[0].ResalePrice.Equal(dec("158")))

	byID := QuoteResale(products, "20", dec("0"), pricing.CeilUnit)
	require.Len(t, byID.Quotes, 1)
	assert.Equal(t, "2", byID.Quotes[0].Product.ID)
}

func TestRunSimulationExemptedProductHasNoMatchedRule(t *testing.T) {
	w := newTestWorkflow(t, &recordingUpdater{}, DefaultOptions())
	rule := frontalRule()
	rule.ExceptionQuantity = 2

	preview, err := w.RunSimulation(context.Background(), catalogProducts(), []rules.Rule{rule})
	require.NoError(t, err)

	exempted := preview.Results[1]
	assert.Equal(t, StatusUnchanged, exempted.Status)
	assert.Nil(t, exempted.MatchedRule)
	assert.Empty(t, exempted.MatchedRuleID)
	assert.Equal(t, "r1", exempted.ExemptedByRuleID)
	assert.Equal(t, "exception by quantity (2)", exempted.Reason)
	assert.True(t, exempted.NewPrice.Equal(dec("200")))
}
