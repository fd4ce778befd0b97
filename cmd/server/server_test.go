package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/liamcoop/pricerules/workspace"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []rules.Product
	groups   []catalog.Group
	failIDs  map[string]bool
	updates  map[string]decimal.Decimal
	filters  []catalog.Filter
	fetchErr error
	delay    time.Duration
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		products: []rules.Product{
			{ID: "1", Name: "Racao Premium", GroupID: "10", GroupName: "Pet", CurrentPrice: decimal.NewFromInt(100), Stock: 10},
			{ID: "2", Name: "Coleira", GroupID: "10", GroupName: "Pet", CurrentPrice: decimal.NewFromInt(40), Stock: 2},
			{ID: "3", Name: "Enxada", GroupID: "20", GroupName: "Farm", CurrentPrice: decimal.RequireFromString("157.81"), Stock: 1},
		},
		groups:  []catalog.Group{{ID: "10", Name: "Pet"}, {ID: "20", Name: "Farm"}},
		failIDs: map[string]bool{},
		updates: map[string]decimal.Decimal{},
	}
}

func (c *fakeCatalog) FetchProducts(_ context.Context, f catalog.Filter) ([]rules.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return append([]rules.Product(nil), c.products...), nil
}

func (c *fakeCatalog) FetchGroups(context.Context) ([]catalog.Group, error) {
	return c.groups, nil
}

func (c *fakeCatalog) UpdateProductPrice(_ context.Context, id string, price decimal.Decimal) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failIDs[id] {
		return fmt.Errorf("%w: 500 - boom", catalog.ErrUnexpectedStatus)
	}
	c.updates[id] = price
	return nil
}

func newTestServer(t *testing.T, erp Catalog, opts ...func(*ServerDeps)) *httptest.Server {
	t.Helper()

	persisters := map[string]*rules.MemoryPersister{}
	var mu sync.Mutex
	factory := func(id string) (rules.Persister, error) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := persisters[id]; !ok {
			persisters[id] = rules.NewMemoryPersister()
		}
		return persisters[id], nil
	}

	updater := simulation.PriceUpdater(disabledCatalog{})
	if erp != nil {
		updater = erp
	}

	manager, err := workspace.NewManager(workspace.Config{
		Persisters: factory,
		Updater:    updater,
		Rounding:   pricing.NoRounding,
		Workflow:   simulation.DefaultOptions(),
	})
	require.NoError(t, err)
	_, err = manager.Open(context.Background(), "default")
	require.NoError(t, err)

	deps := ServerDeps{
		Manager:        manager,
		Catalog:        erp,
		StorageDriver:  "memory",
		ResaleRounding: pricing.CeilTenth,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := httptest.NewServer(NewServer(deps))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func createRule(t *testing.T, srv *httptest.Server, ws string, body map[string]any) rules.Rule {
	t.Helper()
	resp, data := do(t, srv, http.MethodPost, "/api/v1/workspaces/"+ws+"/rules", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	return decode[rules.Rule](t, data)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, data := do(t, srv, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[HealthResponse](t, data)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Storage)
	assert.Equal(t, 1, health.WorkspacesLoaded)
	assert.False(t, health.CatalogEnabled)
	assert.Contains(t, health.Counters, "price_update_failures")
}

type downStorage struct{}

func (downStorage) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_StorageDown(t *testing.T) {
	manager, err := workspace.NewManager(workspace.Config{
		Persisters: func(string) (rules.Persister, error) { return rules.NewMemoryPersister(), nil },
		Updater:    disabledCatalog{},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(ServerDeps{Manager: manager, Storage: downStorage{}}))
	defer srv.Close()

	resp, data := do(t, srv, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(data), "connection refused")
}

func TestWorkspaces(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, data := do(t, srv, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{ID: "loja-2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{ID: "loja-2"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/workspaces", CreateWorkspaceRequest{ID: "../x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = do(t, srv, http.MethodGet, "/api/v1/workspaces", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[WorkspacesListResponse](t, data)
	require.Len(t, list.Workspaces, 2)
	assert.Equal(t, "default", list.Workspaces[0].ID)
	assert.Equal(t, "loja-2", list.Workspaces[1].ID)
	assert.Equal(t, simulation.Idle, list.Workspaces[1].State)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/workspaces/ghost/rules", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRuleCRUD(t *testing.T) {
	srv := newTestServer(t, nil)
	base := "/api/v1/workspaces/default/rules"

	rule := createRule(t, srv, "default", map[string]any{
		"productType":          "Pet",
		"referencePrice":       50,
		"condition":            ">",
		"adjustmentPercentage": "10",
	})
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "Rule Pet > 50", rule.Name)
	assert.True(t, rule.Active, "active defaults to true")

	resp, data := do(t, srv, http.MethodGet, base+"/"+rule.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rule.ID, decode[rules.Rule](t, data).ID)

	resp, data = do(t, srv, http.MethodPatch, base+"/"+rule.ID, map[string]any{"active": false, "condition": "gte"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	updated := decode[rules.Rule](t, data)
	assert.False(t, updated.Active)
	assert.Equal(t, rules.ConditionGreaterEqual, updated.Condition)
	assert.Equal(t, "Rule Pet > 50", updated.Name, "explicit names are kept")

	resp, _ = do(t, srv, http.MethodDelete, base+"/"+rule.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, base+"/"+rule.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPatch, base+"/missing", map[string]any{"active": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRule_Invalid(t *testing.T) {
	srv := newTestServer(t, nil)
	base := "/api/v1/workspaces/default/rules"

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown condition", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": "~", "adjustmentPercentage": 1}, http.StatusUnprocessableEntity},
		{"blank type", map[string]any{"productType": " ", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1}, http.StatusUnprocessableEntity},
		{"below -100%", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": -150}, http.StatusUnprocessableEntity},
		{"bad expression", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1, "expression": "Product.Price >"}, http.StatusUnprocessableEntity},
		{"not json", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, srv, http.MethodPost, base, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(data))
		})
	}

	createRule(t, srv, "default", map[string]any{"id": "fixed", "productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1})
	resp, _ := do(t, srv, http.MethodPost, base, map[string]any{"id": "fixed", "productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReorderRules(t *testing.T) {
	srv := newTestServer(t, nil)

	var ids []string
	for _, pt := range []string{"A", "B", "C"} {
		ids = append(ids, createRule(t, srv, "default", map[string]any{
			"productType": pt, "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1,
		}).ID)
	}

	resp, data := do(t, srv, http.MethodPost, "/api/v1/workspaces/default/rules/reorder", map[string]int{"from": 0, "to": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	list := decode[RulesListResponse](t, data)
	require.Len(t, list.Rules, 3)
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, []string{list.Rules[0].ID, list.Rules[1].ID, list.Rules[2].ID})

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/workspaces/default/rules/reorder", map[string]int{"from": 0, "to": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/workspaces/default/rules/reorder", map[string]int{"from": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSimulateAndApply(t *testing.T) {
	erp := newFakeCatalog()
	erp.failIDs["2"] = true
	srv := newTestServer(t, erp)
	ws := "/api/v1/workspaces/default"

	createRule(t, srv, "default", map[string]any{
		"productType": "Pet", "referencePrice": 30, "condition": ">", "adjustmentPercentage": 10,
	})

	resp, data := do(t, srv, http.MethodPost, ws+"/simulations", SimulationRequest{GroupID: "10"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	sim := decode[PreviewResponse](t, data)
	assert.Equal(t, simulation.PreviewReady, sim.State)
	require.NotNil(t, sim.Preview)
	assert.Equal(t, simulation.Summary{Total: 3, Changed: 2, Unchanged: 1}, sim.Preview.Summary)
	assert.Equal(t, []catalog.Filter{{GroupID: "10"}}, erp.filters)

	resp, data = do(t, srv, http.MethodGet, ws+"/simulations/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, decode[PreviewResponse](t, data).Preview)

	// not confirmed: nothing sent, preview kept
	resp, _ = do(t, srv, http.MethodPost, ws+"/simulations/current/apply", ApplyRequest{Confirm: false})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Empty(t, erp.updates)

	resp, data = do(t, srv, http.MethodPost, ws+"/simulations/current/apply", ApplyRequest{Confirm: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	report := decode[simulation.ApplyReport](t, data)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Total)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "2", report.Failures[0].ProductID)
	assert.True(t, erp.updates["1"].Equal(decimal.NewFromInt(110)))

	resp, data = do(t, srv, http.MethodGet, ws+"/simulations/current", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := decode[PreviewResponse](t, data)
	assert.Equal(t, simulation.Idle, after.State)
	assert.Nil(t, after.Preview)

	resp, _ = do(t, srv, http.MethodPost, ws+"/simulations/current/apply", ApplyRequest{Confirm: true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSimulate_Errors(t *testing.T) {
	erp := newFakeCatalog()
	srv := newTestServer(t, erp)
	ws := "/api/v1/workspaces/default"

	resp, _ := do(t, srv, http.MethodPost, ws+"/simulations", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, "no rules configured")
	assert.Empty(t, erp.filters, "catalog is not called without rules")

	createRule(t, srv, "default", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1})
	erp.fetchErr = fmt.Errorf("GET /produtos: %w: 401 - denied", catalog.ErrUnexpectedStatus)

	resp, _ = do(t, srv, http.MethodPost, ws+"/simulations", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSimulate_CatalogDisabled(t *testing.T) {
	srv := newTestServer(t, nil)
	createRule(t, srv, "default", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1})

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/workspaces/default/simulations", SimulationRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/groups", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDiscardPreview(t *testing.T) {
	srv := newTestServer(t, newFakeCatalog())
	ws := "/api/v1/workspaces/default"
	createRule(t, srv, "default", map[string]any{"productType": "Pet", "referencePrice": 1, "condition": ">", "adjustmentPercentage": 1})

	resp, _ := do(t, srv, http.MethodPost, ws+"/simulations", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, ws+"/simulations/current", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, data := do(t, srv, http.MethodGet, ws+"/simulations/current", nil)
	assert.Equal(t, simulation.Idle, decode[PreviewResponse](t, data).State)
}

func TestEvaluate(t *testing.T) {
	srv := newTestServer(t, nil)
	ws := "/api/v1/workspaces/default"
	rule := createRule(t, srv, "default", map[string]any{
		"productType": "Pet", "referencePrice": 50, "condition": ">", "adjustmentPercentage": 7, "exceptionQuantity": 5,
	})

	resp, data := do(t, srv, http.MethodPost, ws+"/evaluate", map[string]any{
		"product": map[string]any{"id": "1", "name": "Racao", "groupName": "Pet", "currentPrice": 99.99, "stock": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	out := decode[rules.Outcome](t, data)
	assert.Equal(t, rule.ID, out.MatchedRuleID)
	assert.True(t, out.Changed)
	assert.Equal(t, "106.9893", out.NewPrice.String())

	resp, data = do(t, srv, http.MethodPost, ws+"/evaluate", map[string]any{
		"product": map[string]any{"id": "1", "name": "Racao", "groupName": "Pet", "currentPrice": 99.99, "stock": 5},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[rules.Outcome](t, data)
	assert.False(t, out.Changed)
	assert.Equal(t, "exception by quantity (5)", out.Reason)
	assert.Empty(t, out.MatchedRuleName)
	assert.Equal(t, rule.ID, out.ExemptedByRuleID)

	resp, _ = do(t, srv, http.MethodPost, ws+"/evaluate", map[string]any{
		"product": map[string]any{"id": "1", "groupName": "Pet", "currentPrice": -1},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, ws+"/evaluate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupsAndResale(t *testing.T) {
	srv := newTestServer(t, newFakeCatalog())

	resp, data := do(t, srv, http.MethodGet, "/api/v1/groups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"Farm"`)

	resp, data = do(t, srv, http.MethodGet, "/api/v1/resale?markup=30&group=farm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	report := decode[simulation.ResaleReport](t, data)
	require.Len(t, report.Quotes, 1)
	// 157.81 * 1.3 = 205.153 -> 205.20
	assert.Equal(t, "205.2", report.Quotes[0].ResalePrice.String())
	assert.Equal(t, "0.10", report.Rounding)

	resp, data = do(t, srv, http.MethodGet, "/api/v1/resale?markup=30&group=farm&rounding=none", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "205.153", decode[simulation.ResaleReport](t, data).Quotes[0].ResalePrice.String())

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/resale", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/resale?markup=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rules.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", workspace.ErrWorkspaceNotFound), http.StatusNotFound},
		{rules.ErrDuplicateID, http.StatusConflict},
		{simulation.ErrBusy, http.StatusConflict},
		{rules.ErrIndexOutOfRange, http.StatusBadRequest},
		{rules.ErrInvalidRule, http.StatusUnprocessableEntity},
		{pricing.ErrInvalidInput, http.StatusUnprocessableEntity},
		{simulation.ErrNotConfirmed, http.StatusPreconditionFailed},
		{catalog.ErrUnexpectedStatus, http.StatusBadGateway},
		{errCatalogDisabled, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestApplyOutlivesRequestTimeout(t *testing.T) {
	erp := newFakeCatalog()
	erp.delay = 40 * time.Millisecond
	srv := newTestServer(t, erp, func(d *ServerDeps) {
		d.RequestTimeout = 60 * time.Millisecond
	})
	ws := "/api/v1/workspaces/default"

	createRule(t, srv, "default", map[string]any{
		"productType": "Pet", "referencePrice": 30, "condition": ">", "adjustmentPercentage": 10,
	})
	createRule(t, srv, "default", map[string]any{
		"productType": "Farm", "referencePrice": 100, "condition": ">", "adjustmentPercentage": 5,
	})

	resp, data := do(t, srv, http.MethodPost, ws+"/simulations", SimulationRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	require.Equal(t, 3, decode[PreviewResponse](t, data).Preview.Summary.Changed)

	resp, data = do(t, srv, http.MethodPost, ws+"/simulations/current/apply", ApplyRequest{Confirm: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	report := decode[simulation.ApplyReport](t, data)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 3, report.Attempted)
	assert.False(t, report.Cancelled)

	erp.mu.Lock()
	assert.Len(t, erp.updates, 3)
	erp.mu.Unlock()
}

func TestRuleResponseKeepsOperatorsReadable(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, data := do(t, srv, http.MethodPost, "/api/v1/workspaces/default/rules", map[string]any{
		"productType": "Pet", "referencePrice": 30, "condition": ">=", "adjustmentPercentage": 10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"condition":">="`)
	assert.NotContains(t, string(data), `\u003e`)
}
