package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/insurepro/apiserver/internal/services"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

// AdminHandler serves the claim review queue and the admin dashboard.
type AdminHandler struct {
	claims    ClaimService
	policies  PolicyService
	accounts  AccountService
	documents DocumentStore
}

func NewAdminHandler(claims ClaimService, policies PolicyService, accounts AccountService, docs DocumentStore) *AdminHandler {
	return &AdminHandler{claims: claims, policies: policies, accounts: accounts, documents: docs}
}

// AdminRouter registers admin routes behind authentication and the admin
// role check.
func AdminRouter(r chi.Router, handler *AdminHandler, authMiddleware func(http.Handler) http.Handler) {
	r.Use(authMiddleware, RequireAdmin(handler.accounts))
	r.Get("/stats", handler.Stats)
	r.Get("/policies", handler.ListPolicies)
	r.Get("/accounts", handler.ListAccounts)
	r.Route("/claims", func(r chi.Router) {
		r.Get("/", handler.ListClaims)
		r.Get("/pending", handler.ListPending)
		r.Get("/number/{claimNumber}", handler.GetClaimByNumber)
		r.Route("/{claimID}", func(r chi.Router) {
			r.Get("/", handler.GetClaim)
			r.Put("/", handler.UpdateClaim)
			r.Post("/review", handler.Review)
			r.Post("/decision", handler.Decide)
			r.Get("/documents/{index}", handler.Document)
		})
	})
}

// DecisionRequest is the body of a claim decision. Status is accepted in
// place of Decision ("Approved", "Rejected" or "Under Review").
type DecisionRequest struct {
	Decision         string           `json:"decision"`
	Status           string           `json:"status"`
	RejectionReason  string           `json:"rejection_reason"`
	SettlementAmount *decimal.Decimal `json:"settlement_amount"`
	AdjusterNotes    string           `json:"adjuster_notes"`
}

func (h *AdminHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var statuses []types.ClaimStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, types.ClaimStatus(part))
			}
		}
	}

	claims, total, err := h.claims.ListClaims(r.Context(), store.ClaimFilter{
		Statuses: statuses,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", Page[types.ClaimDetail]{Items: claims, Page: page, Limit: limit, Total: total})
}

func (h *AdminHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims, total, err := h.claims.ListPendingClaims(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", Page[types.ClaimDetail]{Items: claims, Page: page, Limit: limit, Total: total})
}

func (h *AdminHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.claims.GetClaim(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", claim)
}

func (h *AdminHandler) GetClaimByNumber(w http.ResponseWriter, r *http.Request) {
	claim, err := h.claims.GetClaimByNumber(r.Context(), 0, chi.URLParam(r, "claimNumber"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", claim)
}

func (h *AdminHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.claims.MarkUnderReview(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "claim under review", claim)
}

func (h *AdminHandler) Decide(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

// UpdateClaim is the status-oriented form of Decide.
func (h *AdminHandler) UpdateClaim(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

func (h *AdminHandler) decide(w http.ResponseWriter, r *http.Request, allowReview bool) {
	id, err := parseIDParam(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req DecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := req.Decision
	if decision == "" {
		switch types.ClaimStatus(strings.TrimSpace(req.Status)) {
		case types.ClaimApproved:
			decision = string(types.DecisionApprove)
		case types.ClaimRejected:
			decision = string(types.DecisionReject)
		case types.ClaimUnderReview:
			if allowReview {
				h.Review(w, r)
				return
			}
		}
	}

	claim, err := h.claims.DecideClaim(r.Context(), services.DecideClaimInput{
		ClaimID:          id,
		Decision:         decision,
		RejectionReason:  req.RejectionReason,
		SettlementAmount: req.SettlementAmount,
		AdjusterNotes:    req.AdjusterNotes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "claim "+strings.ToLower(string(claim.Status)), claim)
}

func (h *AdminHandler) Document(w http.ResponseWriter, r *http.Request) {
	serveDocument(w, r, h.claims, h.documents, 0)
}

func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policies, total, err := h.policies.ListAll(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", Page[types.PolicySummary]{Items: policies, Page: page, Limit: limit, Total: total})
}

func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accounts, total, err := h.accounts.ListSummaries(r.Context(), offset, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", Page[types.AccountSummary]{Items: accounts, Page: page, Limit: limit, Total: total})
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.policies.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", stats)
}
