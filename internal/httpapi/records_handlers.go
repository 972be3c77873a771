package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"healthex.org/internal/audit"
	"healthex.org/internal/obs"
	"healthex.org/internal/stream"
)

type createRecordRequest struct {
	PayloadHash string `json:"payload_hash"`
	Category    string `json:"category"`
}

type grantAccessRequest struct {
	Grantee      string `json:"grantee"`
	DurationDays int64  `json:"duration_days"`
	Purpose      string `json:"purpose"`
}

func (a *API) handleRecordsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRecord(w, r)
	case http.MethodGet:
		a.listRecordsOf(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleRecordResource routes /v1/records/{id}[...]:
//
//	GET    /v1/records/{id}
//	GET    /v1/records/{id}/content            read via grant, audit-free
//	POST   /v1/records/{id}/accesses           self-reported access log
//	POST   /v1/records/{id}/grants             grant access
//	GET    /v1/records/{id}/grants             list grants (owner)
//	DELETE /v1/records/{id}/grants/{grantee}   revoke
func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "record id must be a positive integer")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRecord(w, r, id)
	case len(parts) == 2 && parts[1] == "content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.accessRecord(w, r, id)
	case len(parts) == 2 && parts[1] == "accesses":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.logAccess(w, r, id)
	case len(parts) == 2 && parts[1] == "grants":
		switch r.Method {
		case http.MethodPost:
			a.grantAccess(w, r, id)
		case http.MethodGet:
			a.listGrants(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
		}
	case len(parts) == 3 && parts[1] == "grants":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeAccess(w, r, id, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req createRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PayloadHash) == "" {
		writeError(w, r, http.StatusBadRequest, "payload_hash is required")
		return
	}

	rec, err := a.catalog.CreateRecord(r.Context(), caller, req.PayloadHash, req.Category)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.RecordCreated()
	_ = audit.LogEvent(r.Context(), audit.EventRecordCreated, map[string]any{
		"record_id": rec.ID,
		"owner":     rec.Owner,
		"category":  rec.Category,
	})
	a.publish(stream.Event{
		Type:     stream.TypeRecordCreated,
		Actor:    rec.Owner,
		RecordID: rec.ID,
		Category: rec.Category,
	})

	w.Header().Set("Location", "/v1/records/"+strconv.FormatInt(rec.ID, 10))
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listRecordsOf(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		// Default to the caller's own records.
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		owner = caller
	}
	idsOf, err := a.catalog.RecordsOf(r.Context(), owner)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner": owner,
		"items": idsOf,
	})
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, id int64) {
	rec, err := a.catalog.GetRecord(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) grantAccess(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req grantAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Grantee) == "" {
		writeError(w, r, http.StatusBadRequest, "grantee is required")
		return
	}
	if req.DurationDays <= 0 {
		writeError(w, r, http.StatusBadRequest, "duration_days must be > 0")
		return
	}

	g, err := a.grants.Grant(r.Context(), caller, id, req.Grantee, req.DurationDays, req.Purpose)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.GrantIssued()
	_ = audit.LogEvent(r.Context(), audit.EventAccessGranted, map[string]any{
		"record_id": id,
		"owner":     caller,
		"grantee":   g.Grantee,
		"expiry":    g.Expiry.Format(time.RFC3339),
	})
	a.publish(stream.Event{
		Type:     stream.TypeAccessGranted,
		Actor:    caller,
		RecordID: id,
		Grantee:  g.Grantee,
	})

	writeJSON(w, http.StatusCreated, g)
}

func (a *API) listGrants(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := a.grants.GrantsFor(r.Context(), caller, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) revokeAccess(w http.ResponseWriter, r *http.Request, id int64, grantee string) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.grants.Revoke(r.Context(), caller, id, grantee); err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventAccessRevoked, map[string]any{
		"record_id": id,
		"owner":     caller,
		"grantee":   grantee,
	})
	a.publish(stream.Event{
		Type:     stream.TypeAccessRevoked,
		Actor:    caller,
		RecordID: id,
		Grantee:  grantee,
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) accessRecord(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	hash, err := a.grants.Access(r.Context(), caller, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Deliberately no audit entry: reads are audit-free unless the grantee
	// logs them through POST /v1/records/{id}/accesses.
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id":    id,
		"payload_hash": hash,
	})
}

func (a *API) logAccess(w http.ResponseWriter, r *http.Request, id int64) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.grants.LogAccess(r.Context(), caller, id); err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventRecordAccessed, map[string]any{
		"record_id": id,
		"accessor":  caller,
	})
	a.publish(stream.Event{
		Type:     stream.TypeRecordAccessed,
		Actor:    caller,
		RecordID: id,
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) publish(evt stream.Event) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}
