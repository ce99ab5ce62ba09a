package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"relay/cmd/internal/notify"
	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"
)

const maxNotificationBodyBytes = 64 << 10

// notificationsAPI exposes the notification relay to server-side feed logic
// (likes, comments, replies) and the durable store to clients that were
// offline.
type notificationsAPI struct {
	log    Logger
	broker *realtime.Broker
	// store is nil when the sink cannot be queried (none, nats).
	store notify.Store
}

type sendNotificationRequest struct {
	RecipientID string          `json:"recipientId"`
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	SenderInfo  *v1.SenderInfo  `json:"senderInfo,omitempty"`
}

type sendNotificationResponse struct {
	ID        string            `json:"id"`
	Delivery  realtime.Delivery `json:"delivery"`
	CreatedAt time.Time         `json:"createdAt"`
}

type listNotificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
}

func (a *notificationsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/notifications", a.handleSend)
	mux.HandleFunc("GET /v1/notifications", a.handleList)
	mux.HandleFunc("POST /v1/notifications/{id}/read", a.handleMarkRead)
	mux.HandleFunc("DELETE /v1/notifications/{id}", a.handleDelete)
}

func (a *notificationsAPI) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeJSON(w, r, maxNotificationBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}

	n, delivery, err := a.broker.Notify(r.Context(), realtime.NotifyInput{
		RecipientID: req.RecipientID,
		Kind:        req.Type,
		Message:     req.Message,
		Data:        req.Data,
		Sender:      req.SenderInfo,
	})
	if err != nil {
		if realtime.IsClientError(err) {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		a.log.Error("notify.api.store.fail", "recipient_id", req.RecipientID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "not_stored", "notification could not be stored")
		return
	}

	writeJSON(w, http.StatusAccepted, sendNotificationResponse{
		ID:        n.ID,
		Delivery:  delivery,
		CreatedAt: n.CreatedAt,
	})
}

func (a *notificationsAPI) handleList(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotImplemented, "no_store", "notification store is not queryable")
		return
	}
	recipient := strings.TrimSpace(r.URL.Query().Get("recipientId"))
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "recipientId is required")
		return
	}

	items, err := a.store.List(r.Context(), recipient)
	if err != nil {
		a.log.Error("notify.api.list.fail", "recipient_id", recipient, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "list failed")
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, listNotificationsResponse{Notifications: items})
}

func (a *notificationsAPI) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotImplemented, "no_store", "notification store is not queryable")
		return
	}
	a.finishMutation(w, r, "mark_read", a.store.MarkRead(r.Context(), r.PathValue("id")))
}

func (a *notificationsAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotImplemented, "no_store", "notification store is not queryable")
		return
	}
	a.finishMutation(w, r, "delete", a.store.Delete(r.Context(), r.PathValue("id")))
}

func (a *notificationsAPI) finishMutation(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case notify.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "notification not found")
	case notify.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		a.log.Error("notify.api."+op+".fail", "notification_id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "internal", op+" failed")
	}
}

// requireAPIToken guards next with a static bearer token. An empty token
// disables the check.
func requireAPIToken(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
