package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/insurepro/apiserver/internal/services"
	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

// PolicyService is the policy behaviour the HTTP layer needs.
type PolicyService interface {
	Purchase(ctx context.Context, in services.PurchaseInput) (types.Policy, error)
	Get(ctx context.Context, accountID, id int) (types.Policy, error)
	ListForAccount(ctx context.Context, accountID int) ([]types.Policy, error)
	ListAll(ctx context.Context, offset, limit int) ([]types.PolicySummary, int, error)
	Stats(ctx context.Context) (types.DashboardStats, error)
	Renew(ctx context.Context, accountID, id int) (types.Policy, error)
	Delete(ctx context.Context, accountID, id int) error
}

// PolicyHandler serves a customer's own policies.
type PolicyHandler struct {
	policies PolicyService
}

func NewPolicyHandler(policies PolicyService) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

// PolicyRouter registers policy routes. Every route requires authentication.
func PolicyRouter(r chi.Router, handler *PolicyHandler, authMiddleware func(http.Handler) http.Handler) {
	r.Use(authMiddleware)
	r.Post("/", handler.Purchase)
	r.Get("/", handler.List)
	r.Route("/{policyID}", func(r chi.Router) {
		r.Get("/", handler.Get)
		r.Delete("/", handler.Delete)
		r.Post("/renew", handler.Renew)
	})
}

// PurchaseRequest is the body of POST /policies. Field names follow the
// product catalogue the client renders.
type PurchaseRequest struct {
	PolicyID       string          `json:"policy_id"`
	PolicyName     string          `json:"policy_name"`
	PolicyType     string          `json:"policy_type"`
	Premium        decimal.Decimal `json:"premium"`
	CoverageAmount decimal.Decimal `json:"coverage_amount"`
	PolicyTerm     int             `json:"policy_term"`
}

func (h *PolicyHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req PurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := h.policies.Purchase(r.Context(), services.PurchaseInput{
		AccountID:      accountID,
		ProductID:      req.PolicyID,
		ProductName:    req.PolicyName,
		ProductType:    req.PolicyType,
		Premium:        req.Premium,
		CoverageAmount: req.CoverageAmount,
		TermYears:      req.PolicyTerm,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "policy purchased", policy)
}

func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	policies, err := h.policies.ListForAccount(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", policies)
}

func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, id, ok := h.params(w, r)
	if !ok {
		return
	}

	policy, err := h.policies.Get(r.Context(), accountID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", policy)
}

func (h *PolicyHandler) Renew(w http.ResponseWriter, r *http.Request) {
	accountID, id, ok := h.params(w, r)
	if !ok {
		return
	}

	renewed, err := h.policies.Renew(r.Context(), accountID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "policy renewed", renewed)
}

func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	accountID, id, ok := h.params(w, r)
	if !ok {
		return
	}

	if err := h.policies.Delete(r.Context(), accountID, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PolicyHandler) params(w http.ResponseWriter, r *http.Request) (accountID, policyID int, ok bool) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return 0, 0, false
	}
	policyID, err = parseIDParam(r, "policyID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return accountID, policyID, true
}
