package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/a-essam23/go-relay/internal/server/middleware"
)

const maxHistoryLimit = 500

type postMessageRequest struct {
	Content string `json:"content"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (a *App) apiTest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API is working!"})
}

// listMessages returns a room's persisted chat history, oldest first.
func (a *App) listMessages(w http.ResponseWriter, r *http.Request) {
	if a.recorder == nil {
		writeError(w, http.StatusServiceUnavailable, "chat history is disabled")
		return
	}
	roomID := r.PathValue("roomId")

	limit := maxHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := a.recorder.History(r.Context(), roomID, limit)
	if err != nil {
		a.logger.Error("Error fetching messages", slog.String("roomID", roomID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Error fetching messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// postMessage fans a message out to the room on behalf of the authenticated
// user; it needs no live connection and skips the membership check.
func (a *App) postMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	var userID string
	if reqMeta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		userID = reqMeta.UserID
	}
	payload, err := json.Marshal(map[string]string{"content": req.Content, "userId": userID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error sending message")
		return
	}

	report, err := a.engine.PublishFromServer(r.Context(), roomID, userID, payload)
	if err != nil {
		a.logger.Error("Error sending message", slog.String("roomID", roomID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Error sending message")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"roomId":     roomID,
		"userId":     userID,
		"content":    req.Content,
		"timestamp":  report.Message.Timestamp,
		"recipients": len(report.Delivered()),
	})
}
