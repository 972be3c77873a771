package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"healthex.org/internal/audit"
	"healthex.org/internal/obs"
	"healthex.org/internal/stream"
)

type createRequestRequest struct {
	Category      string `json:"category"`
	Purpose       string `json:"purpose"`
	RewardPerUnit int64  `json:"reward_per_unit"`
	RequiredCount int64  `json:"required_count"`
	DurationDays  int64  `json:"duration_days"`
}

type contributeRequest struct {
	RecordIDs []int64 `json:"record_ids"`
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRequest(w, r)
	case http.MethodGet:
		a.listActiveRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleRequestResource routes /v1/requests/{id}[...]:
//
//	GET  /v1/requests/{id}
//	POST /v1/requests/{id}/contributions
//	POST /v1/requests/{id}/close
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "request id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRequest(w, r, id)
	case len(parts) == 2 && parts[1] == "contributions":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.contribute(w, r, id)
	case len(parts) == 2 && parts[1] == "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeRequest(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handlePatientResource routes /v1/patients/{id}/{records|earnings|contributions}.
func (a *API) handlePatientResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	patient := parts[0]

	switch parts[1] {
	case "records":
		idsOf, err := a.catalog.RecordsOf(r.Context(), patient)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "items": idsOf})
	case "earnings":
		total, err := a.market.TotalEarnings(r.Context(), patient)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "total_earnings": total})
	case "contributions":
		list, err := a.market.ContributionsOf(r.Context(), patient)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"patient": patient, "items": list})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RewardPerUnit <= 0 || req.RequiredCount <= 0 || req.DurationDays <= 0 {
		writeError(w, r, http.StatusBadRequest, "reward_per_unit, required_count and duration_days must be > 0")
		return
	}

	dr, err := a.market.CreateRequest(r.Context(), caller, req.Category, req.Purpose,
		req.RewardPerUnit, req.RequiredCount, req.DurationDays)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.EscrowDelta(dr.TotalBudget)
	_ = audit.LogEvent(r.Context(), audit.EventRequestCreated, map[string]any{
		"request_id":   dr.ID,
		"researcher":   dr.Researcher,
		"category":     dr.Category,
		"total_budget": dr.TotalBudget,
	})
	a.publish(stream.Event{
		Type:      stream.TypeRequestCreated,
		Actor:     dr.Researcher,
		RequestID: dr.ID,
		Category:  dr.Category,
		Amount:    dr.TotalBudget,
	})

	w.Header().Set("Location", "/v1/requests/"+strconv.FormatInt(dr.ID, 10))
	writeJSON(w, http.StatusCreated, dr)
}

func (a *API) listActiveRequests(w http.ResponseWriter, r *http.Request) {
	items, err := a.market.ListActiveRequests(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request, id int64) {
	dr, err := a.market.GetRequest(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dr)
}

func (a *API) contribute(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req contributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	c, err := a.market.Contribute(r.Context(), caller, id, req.RecordIDs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.ContributionAccepted()
	obs.EscrowDelta(-c.Reward)
	_ = audit.LogEvent(r.Context(), audit.EventDataContributed, map[string]any{
		"request_id": id,
		"patient":    c.Patient,
		"record_ids": c.RecordIDs,
		"reward":     c.Reward,
	})
	a.publish(stream.Event{
		Type:      stream.TypeDataContributed,
		Actor:     c.Patient,
		RequestID: id,
		Amount:    c.Reward,
	})

	writeJSON(w, http.StatusCreated, c)
}

func (a *API) closeRequest(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	refund, err := a.market.Close(r.Context(), caller, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.EscrowDelta(-refund)
	_ = audit.LogEvent(r.Context(), audit.EventRequestClosed, map[string]any{
		"request_id": id,
		"researcher": caller,
		"refund":     refund,
	})
	a.publish(stream.Event{
		Type:      stream.TypeRequestClosed,
		Actor:     caller,
		RequestID: id,
		Amount:    refund,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"refund":     refund,
	})
}
