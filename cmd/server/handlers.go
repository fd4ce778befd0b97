package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/liamcoop/pricerules/workspace"
	"github.com/shopspring/decimal"
)

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:           "healthy",
		Storage:          s.storageDriver,
		WorkspacesLoaded: len(s.manager.List()),
		CatalogEnabled:   s.catalogEnabled,
		Counters:         logger.Counters(),
	}

	if s.storage != nil {
		if err := s.storage.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// List workspaces handler
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	ids := s.manager.List()
	resp := WorkspacesListResponse{Workspaces: make([]WorkspaceResponse, 0, len(ids))}
	for _, id := range ids {
		ws, err := s.manager.Get(id)
		if err != nil {
			// unloaded between List and Get
			continue
		}
		resp.Workspaces = append(resp.Workspaces, workspaceResponse(ws))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create workspace handler
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := workspace.ValidateWorkspaceID(req.ID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid workspace id", err)
		return
	}

	ws, err := s.manager.Create(r.Context(), req.ID)
	if err != nil {
		respondDomainError(w, "failed to create workspace", err)
		return
	}

	logger.Info("workspace created", "workspace_id", ws.ID)
	respondJSON(w, http.StatusCreated, workspaceResponse(ws))
}

func workspaceResponse(ws *workspace.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:        ws.ID,
		Rules:     ws.Store.Len(),
		State:     ws.Workflow.State(),
		CreatedAt: ws.CreatedAt,
	}
}

// workspace resolves the {workspaceId} path parameter, writing a 404 when unknown
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	ws, err := s.manager.Get(chi.URLParam(r, "workspaceId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "workspace not found", err)
		return nil, false
	}
	return ws, true
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	list, err := ws.Store.List(r.Context())
	if err != nil {
		respondDomainError(w, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := req.toRule()
	if err != nil {
		respondDomainError(w, "invalid rule", err)
		return
	}

	created, err := ws.Store.Add(r.Context(), rule)
	if err != nil {
		respondDomainError(w, "failed to create rule", err)
		return
	}

	logger.Info("rule created", "workspace_id", ws.ID, "rule_id", created.ID)
	respondJSON(w, http.StatusCreated, created)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	rule, err := ws.Store.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondDomainError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	patch, err := req.toPatch()
	if err != nil {
		respondDomainError(w, "invalid rule", err)
		return
	}

	updated, err := ws.Store.Update(r.Context(), chi.URLParam(r, "ruleId"), patch)
	if err != nil {
		respondDomainError(w, "failed to update rule", err)
		return
	}

	logger.Info("rule updated", "workspace_id", ws.ID, "rule_id", updated.ID)
	respondJSON(w, http.StatusOK, updated)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	ruleID := chi.URLParam(r, "ruleId")
	if err := ws.Store.Remove(r.Context(), ruleID); err != nil {
		respondDomainError(w, "failed to delete rule", err)
		return
	}

	logger.Info("rule deleted", "workspace_id", ws.ID, "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// Reorder rules handler
func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid reorder request", err)
		return
	}

	if err := ws.Store.Reorder(r.Context(), *req.From, *req.To); err != nil {
		respondDomainError(w, "failed to reorder rules", err)
		return
	}

	list, err := ws.Store.List(r.Context())
	if err != nil {
		respondDomainError(w, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// Run simulation handler
func (s *Server) handleRunSimulation(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	// an empty body simulates the whole catalog
	var req SimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// fail before the catalog round trip when there is nothing to evaluate
	if ws.Store.Len() == 0 {
		respondDomainError(w, "cannot simulate", simulation.ErrNoRulesConfigured)
		return
	}

	products, err := s.catalog.FetchProducts(r.Context(), catalog.Filter{GroupID: req.GroupID, Name: req.Name})
	if err != nil {
		respondCatalogError(w, "failed to fetch products", err)
		return
	}

	preview, err := ws.Simulate(r.Context(), products)
	if err != nil {
		respondDomainError(w, "simulation failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, PreviewResponse{State: ws.Workflow.State(), Preview: preview})
}

// Get preview handler
func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	preview, state := ws.Workflow.Preview()
	respondJSON(w, http.StatusOK, PreviewResponse{State: state, Preview: preview})
}

// Discard preview handler
func (s *Server) handleDiscardPreview(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	if err := ws.Workflow.Discard(); err != nil {
		respondDomainError(w, "cannot discard preview", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Apply preview handler
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if preview, _ := ws.Workflow.Preview(); preview == nil {
		respondError(w, http.StatusNotFound, "no preview to apply", nil)
		return
	}

	confirm := func(pending int) bool {
		logger.Info("apply requested", "workspace_id", ws.ID, "pending", pending, "confirmed", req.Confirm)
		return req.Confirm
	}

	// a dropped client must not strand a half-applied preview
	report, err := ws.Workflow.ApplyPreview(context.WithoutCancel(r.Context()), confirm)
	if err != nil {
		if report.Cancelled {
			// the unattempted changes stay in the preview
			respondJSON(w, http.StatusServiceUnavailable, report)
			return
		}
		respondDomainError(w, "apply failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Evaluate single product handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Product == nil {
		respondError(w, http.StatusBadRequest, "product is required", nil)
		return
	}

	outcome, err := ws.Evaluate(r.Context(), *req.Product)
	if err != nil {
		respondDomainError(w, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// List product groups handler
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.catalog.FetchGroups(r.Context())
	if err != nil {
		respondCatalogError(w, "failed to fetch groups", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// Resale quote handler
func (s *Server) handleResale(w http.ResponseWriter, r *http.Request) {
	markupParam := strings.TrimSpace(r.URL.Query().Get("markup"))
	if markupParam == "" {
		respondError(w, http.StatusBadRequest, "markup is required", nil)
		return
	}
	markup, err := decimal.NewFromString(markupParam)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid markup", err)
		return
	}

	policy := s.resaleRounding
	if p := r.URL.Query().Get("rounding"); p != "" {
		policy, err = pricing.ParsePolicy(p)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid rounding", err)
			return
		}
	}

	products, err := s.catalog.FetchProducts(r.Context(), catalog.Filter{})
	if err != nil {
		respondCatalogError(w, "failed to fetch products", err)
		return
	}

	report := simulation.QuoteResale(products, r.URL.Query().Get("group"), markup, policy)
	respondJSON(w, http.StatusOK, report)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	// keep comparison operators readable
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondDomainError maps package sentinel errors to status codes
func respondDomainError(w http.ResponseWriter, message string, err error) {
	respondError(w, statusFor(err), message, err)
}

// respondCatalogError reports ERP failures as a bad gateway unless the catalog is off
func respondCatalogError(w http.ResponseWriter, message string, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, errCatalogDisabled) {
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workspace.ErrWorkspaceNotFound), errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrDuplicateID), errors.Is(err, workspace.ErrWorkspaceExists),
		errors.Is(err, simulation.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, rules.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrInvalidRule), errors.Is(err, pricing.ErrInvalidInput),
		errors.Is(err, simulation.ErrNoRulesConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, simulation.ErrNotConfirmed):
		return http.StatusPreconditionFailed
	case errors.Is(err, errCatalogDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrUnexpectedStatus), errors.Is(err, simulation.ErrExternalCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
