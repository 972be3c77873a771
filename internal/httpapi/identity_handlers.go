package httpapi

import (
	"net/http"
	"strings"

	"healthex.org/internal/audit"
)

type addProviderRequest struct {
	Principal string `json:"principal"`
}

// Provider registration has no role gate: the upstream allow-list accepted
// entries from any caller and that permissive behavior is preserved.
// Authentication is still required so the registration is attributable.
func (a *API) handleProvidersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.addProvider(w, r)
	case http.MethodGet:
		a.listProviders(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) addProvider(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req addProviderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Principal) == "" {
		writeError(w, r, http.StatusBadRequest, "principal is required")
		return
	}

	p, err := a.registry.AddProvider(r.Context(), caller, req.Principal)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventProviderVerified, map[string]any{
		"provider": p.Principal,
	})

	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listProviders(w http.ResponseWriter, r *http.Request) {
	list, err := a.registry.Providers(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}
