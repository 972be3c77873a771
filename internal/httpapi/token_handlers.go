package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"healthex.org/internal/audit"
	"healthex.org/internal/auth"
)

type createAccountRequest struct {
	Owner         string `json:"owner"`
	InitialAmount int64  `json:"initial_amount"`
}

type mintRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := principal(w, r); !ok {
		return
	}

	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		writeError(w, r, http.StatusBadRequest, "owner is required")
		return
	}
	if req.InitialAmount < 0 {
		writeError(w, r, http.StatusBadRequest, "initial_amount must be >= 0")
		return
	}

	acct, err := a.credits.CreateAccount(r.Context(), req.Owner, req.InitialAmount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventAccountCreated, map[string]any{
		"account_id": acct.ID,
		"initial":    req.InitialAmount,
	})

	w.Header().Set("Location", "/v1/accounts/"+acct.ID)
	writeJSON(w, http.StatusCreated, acct)
}

// handleAccountResource routes /v1/accounts/{id}[...]:
//
//	GET  /v1/accounts/{id}
//	GET  /v1/accounts/{id}/balance
//	POST /v1/accounts/{id}/mint     admin only
func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	id := parts[0]
	if strings.TrimSpace(id) == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		acct, err := a.credits.GetAccount(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	case len(parts) == 2 && parts[1] == "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		bal, err := a.credits.BalanceOf(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": id,
			"balance":    bal,
		})
	case len(parts) == 2 && parts[1] == "mint":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		RequireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a.mintTo(w, r, id)
		})).ServeHTTP(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) mintTo(w http.ResponseWriter, r *http.Request, id string) {
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	mv, err := a.credits.Mint(r.Context(), id, req.Amount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventTransferExecuted, map[string]any{
		"transfer_id": mv.ID,
		"to":          mv.ToAccountID,
		"amount":      mv.Amount,
		"issuance":    true,
	})

	writeJSON(w, http.StatusCreated, mv)
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := principal(w, r); !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	items, next, err := a.credits.ListTransfers(r.Context(), limit, after)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"next":  next,
	})
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value must be positive, got %d", n)
	}
	return n, nil
}
