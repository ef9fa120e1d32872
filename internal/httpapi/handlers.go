package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"kasirinaja/ledger/internal/domain"
	"kasirinaja/ledger/internal/service"
	"kasirinaja/ledger/internal/store"
)

type paymentRequest struct {
	Payments []domain.Payment `json:"payments"`
}

type checkoutRequest struct {
	Cart     domain.Cart      `json:"cart"`
	Payments []domain.Payment `json:"payments"`
}

type openShiftRequest struct {
	Station        string `json:"station"`
	OpeningBalance int64  `json:"opening_balance"`
}

type closeShiftRequest struct {
	ActualCash int64  `json:"actual_cash"`
	Notes      string `json:"notes"`
}

type wasteRequest struct {
	ProductID string `json:"product_id"`
	Qty       int64  `json:"qty"`
	Reason    string `json:"reason"`
}

type opnameRequest struct {
	Items []domain.OpnameCount `json:"items"`
	Notes string               `json:"notes"`
}

type invoicePaymentRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusUnauthorized, errors.New("login failed"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	txs, err := a.service.List(r.Context(), domain.TransactionFilter{
		Status:         query.Get("status"),
		Station:        query.Get("station"),
		IncludeDeleted: query.Get("include_deleted") == "true",
		Limit:          parsePositiveLimit(query.Get("limit"), 50, 500),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var cart domain.Cart
	if err := decodeJSON(r, &cart); err != nil {
		writeServiceError(w, err)
		return
	}
	tx, err := a.service.CreateDraft(r.Context(), actor(r), cart)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

func (a *API) handleSaveOrder(w http.ResponseWriter, r *http.Request) {
	var cart domain.Cart
	if err := decodeJSON(r, &cart); err != nil {
		writeServiceError(w, err)
		return
	}
	tx, err := a.service.SaveOrder(r.Context(), actor(r), cart)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

func (a *API) handleListSaved(w http.ResponseWriter, r *http.Request) {
	txs, err := a.service.ListSaved(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	cart, err := a.service.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cart": cart})
}

func (a *API) handleUpdateSaved(w http.ResponseWriter, r *http.Request) {
	var cart domain.Cart
	if err := decodeJSON(r, &cart); err != nil {
		writeServiceError(w, err)
		return
	}
	tx, err := a.service.UpdateSavedOrder(r.Context(), actor(r), chi.URLParam(r, "id"), cart)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handlePromote(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.Promote(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Cancel(r.Context(), actor(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	result, err := a.service.ProcessPayment(r.Context(), actor(r), chi.URLParam(r, "id"), req.Payments)
	writePaymentResult(w, result, err)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	result, err := a.service.Checkout(r.Context(), actor(r), req.Cart, req.Payments)
	writePaymentResult(w, result, err)
}

// writePaymentResult reports a recorded payment whose stock or shift effects
// are still pending as a server error that carries the result.
func writePaymentResult(w http.ResponseWriter, result domain.PaymentResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, store.ErrAdjustmentFailure):
		log.Errorf("payment adjustment pending: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "payment recorded; stock and shift adjustments are pending",
			"kind":   store.Kind(err),
			"result": result,
		})
	default:
		writeServiceError(w, err)
	}
}

func (a *API) handleOpenShift(w http.ResponseWriter, r *http.Request) {
	var req openShiftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	shift, err := a.service.OpenShift(r.Context(), actor(r), req.Station, req.OpeningBalance)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shift": shift})
}

func (a *API) handleActiveShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.ActiveShift(r.Context(), r.URL.Query().Get("station"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleGetShift(w http.ResponseWriter, r *http.Request) {
	shift, err := a.service.GetShift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleCloseShift(w http.ResponseWriter, r *http.Request) {
	var req closeShiftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	shift, err := a.service.CloseShift(r.Context(), actor(r), chi.URLParam(r, "id"), req.ActualCash, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shift": shift})
}

func (a *API) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req service.StockAdjustment
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	change, err := a.service.AdjustStock(r.Context(), actor(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"change": change})
}

func (a *API) handleWaste(w http.ResponseWriter, r *http.Request) {
	var req wasteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	change, err := a.service.RecordWaste(r.Context(), actor(r), req.ProductID, req.Qty, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"change": change})
}

func (a *API) handleOpname(w http.ResponseWriter, r *http.Request) {
	var req opnameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	report, err := a.service.RecordOpname(r.Context(), actor(r), req.Items, req.Notes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"opname": report})
}

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoiceInput
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	invoice, err := a.service.CreateInvoice(r.Context(), actor(r), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"invoice": invoice})
	case errors.Is(err, store.ErrAdjustmentFailure) && invoice != nil:
		log.Errorf("invoice restock pending: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "invoice recorded; restock is pending",
			"kind":    store.Kind(err),
			"invoice": invoice,
		})
	default:
		writeServiceError(w, err)
	}
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := a.service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoicePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	invoice, err := a.service.PayInvoice(r.Context(), actor(r), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoice": invoice})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	report, err := a.service.Reconcile(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if a.feed == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": []domain.Notification{}})
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)
	events, err := a.feed.Recent(r.Context(), int64(limit))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": events})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListUsers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}
