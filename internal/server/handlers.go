package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"integration-engine/internal/common/errors"
	"integration-engine/internal/common/logging"
	"integration-engine/internal/gateway"
	"integration-engine/internal/oauth"
	"integration-engine/internal/storage"
	"integration-engine/internal/triggers"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// Handlers holds the two inbound surfaces of the engine (webhook intake and
// the OAuth round trip) plus health and operator endpoints.
type Handlers struct {
	gateway   *gateway.Gateway
	triggers  *triggers.Engine
	oauth     *oauth.Manager
	failures  storage.FailureStore
	resultURL string
	logger    logging.Logger
}

func NewHandlers(g *gateway.Gateway, t *triggers.Engine, o *oauth.Manager, failures storage.FailureStore, resultURL string, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if resultURL == "" {
		resultURL = "/connections"
	}
	return &Handlers{
		gateway:   g,
		triggers:  t,
		oauth:     o,
		failures:  failures,
		resultURL: resultURL,
		logger:    logger,
	}
}

// HandleWebhook verifies an inbound webhook, routes it and acknowledges. The
// request does no external network calls; delivery happens out-of-band.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	subscriptionID := mux.Vars(r)["subscriptionId"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "unreadable body"})
		return
	}

	event, err := h.gateway.Handle(r.Context(), subscriptionID, body, r.Header)
	if err != nil {
		switch errors.GetType(err) {
		case errors.ErrTypeNotFound:
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
		case errors.ErrTypeVerificationFailed:
			// No detail leaked to the caller
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
		default:
			h.logger.Error("Webhook handling failed", err,
				logging.Field{Key: "subscription_id", Value: subscriptionID},
			)
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		}
		return
	}

	if err := h.triggers.Route(r.Context(), event); err != nil {
		h.logger.Error("Event routing failed", err,
			logging.Field{Key: "subscription_id", Value: subscriptionID},
			logging.Field{Key: "event_type", Value: event.EventType},
		)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// HandleOAuthConnect starts the OAuth round trip for a service and redirects
// the user to the provider's authorization page.
func (h *Handlers) HandleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceId"]
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "owner_id is required"})
		return
	}

	authURL, err := h.oauth.InitiateOAuth(r.Context(), serviceID, ownerID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not found"})
			return
		}
		h.logger.Error("OAuth initiation failed", err,
			logging.Field{Key: "service_id", Value: serviceID},
		)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback completes the OAuth round trip. Failures redirect with
// short stable messages; internal detail stays in the server logs.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		message := providerErr
		if desc := query.Get("error_description"); desc != "" {
			message = desc
		}
		h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {message}})
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {"invalid callback"}})
		return
	}

	connectionID, err := h.oauth.HandleOAuthCallback(r.Context(), code, state)
	if err != nil {
		h.logger.Warn("OAuth callback failed",
			logging.Field{Key: "error_type", Value: string(errors.GetType(err))},
			logging.Field{Key: "error", Value: err.Error()},
		)
		h.redirectResult(w, r, url.Values{"status": {"error"}, "message": {callbackMessage(err)}})
		return
	}

	h.redirectResult(w, r, url.Values{"status": {"connected"}, "connection_id": {connectionID}})
}

// callbackMessage maps callback failures to short stable user-facing
// messages.
func callbackMessage(err error) string {
	switch errors.GetType(err) {
	case errors.ErrTypeInvalidState:
		return "invalid or already used authorization"
	case errors.ErrTypeExpiredState:
		return "authorization expired, please try again"
	case errors.ErrTypeExchangeFailed:
		return "authorization failed"
	case errors.ErrTypeServiceUnreachable:
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

func (h *Handlers) redirectResult(w http.ResponseWriter, r *http.Request, values url.Values) {
	separator := "?"
	if strings.Contains(h.resultURL, "?") {
		separator = "&"
	}
	http.Redirect(w, r, h.resultURL+separator+values.Encode(), http.StatusFound)
}

// ListFailures exposes terminal dispatch failures to operators.
func (h *Handlers) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	failures, err := h.failures.ListFailures(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list terminal failures", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
		return
	}
	if failures == nil {
		failures = []*storage.TerminalFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"failures": failures})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
