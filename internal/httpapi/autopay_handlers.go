package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"topacc.org/internal/audit"
	"topacc.org/internal/auth"
	"topacc.org/internal/autopay"
	"topacc.org/internal/obs"
)

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type registerServiceRequest struct {
	OwnerID  string `json:"owner_id"`
	Cost     int64  `json:"cost"`
	Interval int64  `json:"interval_seconds"`
}

type authorizeRequest struct {
	MaxAmount int64 `json:"max_amount"`
	Interval  int64 `json:"interval_seconds"`
}

type executeChargeRequest struct {
	AccountID string `json:"account_id"`
	ServiceID uint64 `json:"service_id"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type listServicesResponse struct {
	Items []autopay.Service `json:"items"`
}

type listChargesResponse struct {
	Items     []autopay.Charge `json:"items"`
	NextAfter uint64           `json:"next_after"`
	AsOf      time.Time        `json:"as_of"`
}

// handleAccountResource routes /v1/accounts/{id}/... to the ledger and
// authorization endpoints.
func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	if len(id) > 64 {
		writeError(w, r, http.StatusBadRequest, "account identifiers must be <=64 characters")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, id)
	case len(parts) == 2 && parts[1] == "deposit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deposit(w, r, id)
	case len(parts) == 2 && parts[1] == "withdraw":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.withdraw(w, r, id)
	case len(parts) == 3 && parts[1] == "autopay":
		serviceID, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "service id must be a non-negative integer")
			return
		}
		switch r.Method {
		case http.MethodPut:
			a.authorize(w, r, id, serviceID)
		case http.MethodGet:
			a.getAuthorization(w, r, id, serviceID)
		case http.MethodDelete:
			a.disapprove(w, r, id, serviceID)
		default:
			methodNotAllowed(w, r, http.MethodPut, http.MethodGet, http.MethodDelete)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, id string) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := a.engine.Deposit(r.Context(), id, req.Amount)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "autopay.funds.deposit", map[string]any{
		"account": id,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: bal})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, id string) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := a.engine.Withdraw(r.Context(), id, req.Amount)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "autopay.funds.withdraw", map[string]any{
		"account": id,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: bal})
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	bal, err := a.engine.GetBalance(r.Context(), id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: bal})
}

func (a *API) authorize(w http.ResponseWriter, r *http.Request, id string, serviceID uint64) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	auth, err := a.engine.Authorize(r.Context(), id, serviceID, req.MaxAmount, req.Interval)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "autopay.authorization.create", map[string]any{
		"account":    id,
		"service_id": strconv.FormatUint(serviceID, 10),
		"max_amount": strconv.FormatInt(req.MaxAmount, 10),
	})
	writeJSON(w, http.StatusOK, auth)
}

func (a *API) getAuthorization(w http.ResponseWriter, r *http.Request, id string, serviceID uint64) {
	auth, err := a.engine.GetAuthorization(r.Context(), id, serviceID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

func (a *API) disapprove(w http.ResponseWriter, r *http.Request, id string, serviceID uint64) {
	if err := a.engine.Disapprove(r.Context(), id, serviceID); err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "autopay.authorization.revoke", map[string]any{
		"account":    id,
		"service_id": strconv.FormatUint(serviceID, 10),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleServicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerService(w, r)
	case http.MethodGet:
		a.listServices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleServiceResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/services/"), "/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "service id must be a non-negative integer")
		return
	}
	svc, err := a.engine.GetService(r.Context(), id)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) registerService(w http.ResponseWriter, r *http.Request) {
	if err := a.requireRole(r.Context(), auth.RoleProvider); err != nil {
		writeError(w, r, http.StatusForbidden, "provider role required")
		return
	}
	var req registerServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		if subject, ok := auth.UserIDFromContext(r.Context()); ok {
			owner = subject
		}
	}
	if owner == "" {
		writeError(w, r, http.StatusBadRequest, "owner_id is required")
		return
	}
	if len(owner) > 64 {
		writeError(w, r, http.StatusBadRequest, "owner identifiers must be <=64 characters")
		return
	}

	svc, err := a.engine.RegisterService(r.Context(), owner, req.Cost, req.Interval)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	a.audit(r.Context(), "autopay.service.register", map[string]any{
		"service_id":       strconv.FormatUint(svc.ID, 10),
		"owner":            owner,
		"cost":             strconv.FormatInt(req.Cost, 10),
		"interval_seconds": strconv.FormatInt(req.Interval, 10),
	})
	w.Header().Set("Location", "/v1/services/"+strconv.FormatUint(svc.ID, 10))
	writeJSON(w, http.StatusCreated, svc)
}

func (a *API) listServices(w http.ResponseWriter, r *http.Request) {
	items, err := a.engine.ListServices(r.Context())
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listServicesResponse{Items: items})
}

func (a *API) handleCharges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.executeCharge(w, r)
	case http.MethodGet:
		a.listCharges(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) executeCharge(w http.ResponseWriter, r *http.Request) {
	if err := a.requireRole(r.Context(), auth.RoleKeeper); err != nil {
		writeError(w, r, http.StatusForbidden, "keeper role required")
		return
	}
	var req executeChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	ch, err := a.engine.ExecuteCharge(r.Context(), accountID, req.ServiceID)
	if err != nil {
		obs.ObserveCharge(chargeResult(err), 0)
		handleEngineError(w, r, err)
		return
	}
	obs.ObserveCharge("ok", ch.Amount)

	a.audit(r.Context(), "autopay.charge.execute", map[string]any{
		"charge_id":  ch.ID,
		"account":    ch.User,
		"service_id": strconv.FormatUint(ch.ServiceID, 10),
		"provider":   ch.Provider,
		"amount":     strconv.FormatInt(ch.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) listCharges(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.engine.ListCharges(r.Context(), limit, after)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listChargesResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func chargeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, autopay.ErrTooEarly):
		return "too_early"
	case errors.Is(err, autopay.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, autopay.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, autopay.ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, autopay.ErrExceedsMaxAmount):
		return "exceeds_max_amount"
	default:
		return "error"
	}
}

func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, autopay.ErrInvalidAmount), errors.Is(err, autopay.ErrInvalidInterval):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, autopay.ErrServiceNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, autopay.ErrNotAuthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, autopay.ErrInsufficientBalance),
		errors.Is(err, autopay.ErrAlreadyAuthorized),
		errors.Is(err, autopay.ErrTooEarly),
		errors.Is(err, autopay.ErrExceedsMaxAmount):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
