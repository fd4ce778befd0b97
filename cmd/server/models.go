package main

import (
	"fmt"
	"time"

	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/shopspring/decimal"
)

// API request and response models

// CreateWorkspaceRequest represents the request body for creating a workspace
type CreateWorkspaceRequest struct {
	ID string `json:"id" example:"loja-centro"`
}

// WorkspaceResponse represents a workspace in API responses
type WorkspaceResponse struct {
	ID        string           `json:"id" example:"loja-centro"`
	Rules     int              `json:"rules" example:"3"`
	State     simulation.State `json:"state" example:"idle"`
	CreatedAt time.Time        `json:"createdAt" example:"2024-01-15T10:30:00Z"`
}

// WorkspacesListResponse represents the response for listing workspaces
type WorkspacesListResponse struct {
	Workspaces []WorkspaceResponse `json:"workspaces"`
}

// CreateRuleRequest represents the request body for creating a rule
type CreateRuleRequest struct {
	ID                   string          `json:"id,omitempty"`
	Name                 string          `json:"name" example:"Pet above 50"`
	ProductType          string          `json:"productType" example:"Pet"`
	ReferencePrice       decimal.Decimal `json:"referencePrice" example:"50"`
	Condition            string          `json:"condition" example:">"`
	AdjustmentPercentage decimal.Decimal `json:"adjustmentPercentage" example:"10"`
	ExceptionQuantity    int             `json:"exceptionQuantity" example:"0"`
	Active               *bool           `json:"active,omitempty" example:"true"`
	Expression           string          `json:"expression,omitempty" example:"Product.Stock > 0"`
}

// toRule converts the request; a missing active flag means active
func (req CreateRuleRequest) toRule() (rules.Rule, error) {
	cond, err := rules.ParseCondition(req.Condition)
	if err != nil {
		return rules.Rule{}, err
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return rules.Rule{
		ID:                   req.ID,
		Name:                 req.Name,
		ProductType:          req.ProductType,
		ReferencePrice:       req.ReferencePrice,
		Condition:            cond,
		AdjustmentPercentage: req.AdjustmentPercentage,
		ExceptionQuantity:    req.ExceptionQuantity,
		Active:               active,
		Expression:           req.Expression,
	}, nil
}

// UpdateRuleRequest represents a partial rule update; absent fields are kept
type UpdateRuleRequest struct {
	Name                 *string          `json:"name,omitempty"`
	ProductType          *string          `json:"productType,omitempty"`
	ReferencePrice       *decimal.Decimal `json:"referencePrice,omitempty"`
	Condition            *string          `json:"condition,omitempty"`
	AdjustmentPercentage *decimal.Decimal `json:"adjustmentPercentage,omitempty"`
	ExceptionQuantity    *int             `json:"exceptionQuantity,omitempty"`
	Active               *bool            `json:"active,omitempty"`
	Expression           *string          `json:"expression,omitempty"`
}

func (req UpdateRuleRequest) toPatch() (rules.RulePatch, error) {
	patch := rules.RulePatch{
		Name:                 req.Name,
		ProductType:          req.ProductType,
		ReferencePrice:       req.ReferencePrice,
		AdjustmentPercentage: req.AdjustmentPercentage,
		ExceptionQuantity:    req.ExceptionQuantity,
		Active:               req.Active,
		Expression:           req.Expression,
	}
	if req.Condition != nil {
		cond, err := rules.ParseCondition(*req.Condition)
		if err != nil {
			return rules.RulePatch{}, err
		}
		patch.Condition = &cond
	}
	return patch, nil
}

// RulesListResponse represents the ordered rule list of a workspace
type RulesListResponse struct {
	Rules []rules.Rule `json:"rules"`
}

// ReorderRequest moves the rule at From to position To (0-based)
type ReorderRequest struct {
	From *int `json:"from" example:"0"`
	To   *int `json:"to" example:"2"`
}

func (req ReorderRequest) validate() error {
	if req.From == nil || req.To == nil {
		return fmt.Errorf("from and to are required")
	}
	return nil
}

// SimulationRequest selects the catalog slice to simulate
type SimulationRequest struct {
	GroupID string `json:"groupId,omitempty" example:"10"`
	Name    string `json:"name,omitempty" example:"racao"`
}

// PreviewResponse is the current workflow state and its preview, if any
type PreviewResponse struct {
	State   simulation.State    `json:"state" example:"preview_ready"`
	Preview *simulation.Preview `json:"preview"`
}

// ApplyRequest carries the user's explicit confirmation
type ApplyRequest struct {
	Confirm bool `json:"confirm" example:"true"`
}

// EvaluateRequest evaluates one product against a workspace's rules
type EvaluateRequest struct {
	Product *rules.Product `json:"product"`
}

// HealthResponse represents the health endpoint payload
type HealthResponse struct {
	Status           string           `json:"status" example:"healthy"`
	Storage          string           `json:"storage" example:"sqlite"`
	WorkspacesLoaded int              `json:"workspacesLoaded" example:"1"`
	CatalogEnabled   bool             `json:"catalogEnabled" example:"true"`
	Counters         map[string]int64 `json:"counters"`
	Error            string           `json:"error,omitempty"`
}

// ErrorResponse represents an error in API responses
type ErrorResponse struct {
	Error   string `json:"error" example:"rule not found"`
	Details string `json:"details,omitempty"`
}
