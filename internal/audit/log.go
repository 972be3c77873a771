package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"healthex.org/internal/auth"
	"healthex.org/internal/obs"
)

// Event names emitted by the exchange, one per state-changing call.
const (
	EventProviderVerified = "identity.provider.verified"
	EventRecordCreated    = "records.record.created"
	EventAccessGranted    = "records.access.granted"
	EventAccessRevoked    = "records.access.revoked"
	EventRecordAccessed   = "records.record.accessed"
	EventRequestCreated   = "market.request.created"
	EventRequestClosed    = "market.request.closed"
	EventDataContributed  = "market.data.contributed"
	EventAccountCreated   = "token.account.created"
	EventTransferExecuted = "token.transfer.executed"
	EventTokenIssued      = "auth.token.issued"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
