package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/insurepro/apiserver/internal/documents"
	"github.com/insurepro/apiserver/internal/services"
	"github.com/insurepro/apiserver/internal/store"
	"github.com/insurepro/apiserver/types"
	"github.com/shopspring/decimal"
)

const (
	maxMultipartMemory = 32 << 20
	formFieldPolicy    = "policy_id"
	formFieldAmount    = "claim_amount"
	formFieldReason    = "claim_reason"
	formFieldType      = "claim_type"
	formFieldDocuments = "documents"
)

// ClaimService is the claim behaviour the HTTP layer needs.
type ClaimService interface {
	CheckSubmission(ctx context.Context, in services.SubmitClaimInput) error
	SubmitClaim(ctx context.Context, in services.SubmitClaimInput) (types.Claim, error)
	MarkUnderReview(ctx context.Context, claimID int) (types.Claim, error)
	DecideClaim(ctx context.Context, in services.DecideClaimInput) (types.Claim, error)
	GetClaim(ctx context.Context, id int) (types.ClaimDetail, error)
	GetAccountClaim(ctx context.Context, accountID, id int) (types.ClaimDetail, error)
	GetClaimByNumber(ctx context.Context, accountID int, number string) (types.Claim, error)
	ListAccountClaims(ctx context.Context, accountID int) ([]types.ClaimDetail, error)
	ListClaims(ctx context.Context, filter store.ClaimFilter) ([]types.ClaimDetail, int, error)
	ListPendingClaims(ctx context.Context, offset, limit int) ([]types.ClaimDetail, int, error)
	OpenDocument(ctx context.Context, accountID, claimID, index int) (types.ClaimDocument, error)
}

// DocumentStore keeps claim attachments.
type DocumentStore interface {
	Limits() documents.Limits
	Store(ctx context.Context, accountID int, uploads []documents.Upload) ([]types.ClaimDocument, error)
	Discard(ctx context.Context, docs []types.ClaimDocument)
	Open(ctx context.Context, doc types.ClaimDocument) (io.ReadCloser, error)
}

// ClaimHandler serves a customer's claims.
type ClaimHandler struct {
	claims    ClaimService
	documents DocumentStore
}

func NewClaimHandler(claims ClaimService, docs DocumentStore) *ClaimHandler {
	return &ClaimHandler{claims: claims, documents: docs}
}

// ClaimRouter registers claim routes. Every route requires authentication;
// submitLimit throttles submissions.
func ClaimRouter(r chi.Router, handler *ClaimHandler, authMiddleware, submitLimit func(http.Handler) http.Handler) {
	r.Use(authMiddleware)
	r.With(orPassthrough(submitLimit)).Post("/", handler.Submit)
	r.Get("/", handler.List)
	r.Get("/number/{claimNumber}", handler.GetByNumber)
	r.Route("/{claimID}", func(r chi.Router) {
		r.Get("/", handler.Get)
		r.Get("/documents/{index}", handler.Document)
	})
}

// Submit accepts a multipart claim with up to the configured number of
// supporting documents. Documents are stored first and removed again if
// the claim is refused.
func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limits := h.documents.Limits()
	r.Body = http.MaxBytesReader(w, r.Body, int64(limits.MaxCount)*limits.MaxBytes+(1<<20))
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	in, err := parseClaimForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.AccountID = accountID
	if err := h.claims.CheckSubmission(r.Context(), in); err != nil {
		writeServiceError(w, r, err)
		return
	}

	uploads, closeAll, err := openUploads(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docs, err := h.documents.Store(r.Context(), accountID, uploads)
	closeAll()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	in.Documents = docs

	claim, err := h.claims.SubmitClaim(r.Context(), in)
	if err != nil {
		h.documents.Discard(context.WithoutCancel(r.Context()), docs)
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "claim submitted", claim)
}

func parseClaimForm(r *http.Request) (services.SubmitClaimInput, error) {
	policyID, err := strconv.Atoi(strings.TrimSpace(r.FormValue(formFieldPolicy)))
	if err != nil || policyID < 1 {
		return services.SubmitClaimInput{}, errors.New("invalid policy id")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(r.FormValue(formFieldAmount)))
	if err != nil {
		return services.SubmitClaimInput{}, errors.New("invalid claim amount")
	}
	return services.SubmitClaimInput{
		PolicyID: policyID,
		Amount:   amount,
		Reason:   r.FormValue(formFieldReason),
		Category: r.FormValue(formFieldType),
	}, nil
}

func openUploads(form *multipart.Form) ([]documents.Upload, func(), error) {
	var (
		uploads []documents.Upload
		files   []multipart.File
	)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, fh := range form.File[formFieldDocuments] {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to read document %q", fh.Filename)
		}
		files = append(files, f)
		uploads = append(uploads, documents.Upload{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	return uploads, closeAll, nil
}

func (h *ClaimHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	claims, err := h.claims.ListAccountClaims(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", claims)
}

func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id, err := parseIDParam(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := h.claims.GetAccountClaim(r.Context(), accountID, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", claim)
}

func (h *ClaimHandler) GetByNumber(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	claim, err := h.claims.GetClaimByNumber(r.Context(), accountID, chi.URLParam(r, "claimNumber"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", claim)
}

func (h *ClaimHandler) Document(w http.ResponseWriter, r *http.Request) {
	accountID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	serveDocument(w, r, h.claims, h.documents, accountID)
}

// serveDocument streams one claim attachment. accountID 0 skips the
// ownership check.
func serveDocument(w http.ResponseWriter, r *http.Request, claims ClaimService, docs DocumentStore, accountID int) {
	claimID, err := parseIDParam(r, "claimID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid document index")
		return
	}

	doc, err := claims.OpenDocument(r.Context(), accountID, claimID, index)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	body, err := docs.Open(r.Context(), doc)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}
