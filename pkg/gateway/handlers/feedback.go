package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/feedback"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/mw"
)

// FeedbackStore persists user feedback entries.
type FeedbackStore interface {
	Insert(ctx context.Context, e feedback.Entry) error
}

// FeedbackHandler accepts POST /v1/feedback submissions. Every accepted
// entry is logged; a nil Store means no database is configured and the
// entry is log-only.
type FeedbackHandler struct {
	Store  FeedbackStore
	Logger *slog.Logger
}

func (h FeedbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		writeErrorJSON(w, reqID, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var entry feedback.Entry
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	if err := dec.Decode(&entry); err != nil {
		writeErrorJSON(w, reqID, http.StatusBadRequest, "invalid feedback payload")
		return
	}
	if err := entry.Validate(); err != nil {
		writeErrorJSON(w, reqID, http.StatusBadRequest, err.Error())
		return
	}

	if h.Logger != nil {
		h.Logger.Info("feedback received",
			"request_id", reqID,
			"score", entry.Score,
			"run_id", entry.RunID,
			"user_id", entry.UserID)
	}

	if h.Store != nil {
		if err := h.Store.Insert(r.Context(), entry); err != nil {
			if h.Logger != nil {
				h.Logger.Error("feedback insert failed", "request_id", reqID, "error", err)
			}
			writeErrorJSON(w, reqID, http.StatusInternalServerError, "failed to store feedback")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
