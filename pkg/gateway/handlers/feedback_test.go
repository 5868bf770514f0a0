package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/feedback"
)

type fakeFeedbackStore struct {
	entries []feedback.Entry
	fail    bool
}

func (s *fakeFeedbackStore) Insert(_ context.Context, e feedback.Entry) error {
	if s.fail {
		return fmt.Errorf("connection refused")
	}
	s.entries = append(s.entries, e)
	return nil
}

func postFeedback(t *testing.T, h FeedbackHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestFeedbackHandler_StoresEntry(t *testing.T) {
	store := &fakeFeedbackStore{}
	h := FeedbackHandler{Store: store, Logger: discardLogger()}

	rr := postFeedback(t, h, `{"score":4,"text":"great","run_id":"r1","user_id":"u1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp["ok"] {
		t.Fatalf("ok=false")
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries=%d, want 1", len(store.entries))
	}
	if store.entries[0].Score != 4 || store.entries[0].RunID != "r1" {
		t.Fatalf("entry=%+v", store.entries[0])
	}
}

func TestFeedbackHandler_MethodNotAllowed(t *testing.T) {
	h := FeedbackHandler{Store: &fakeFeedbackStore{}}
	req := httptest.NewRequest(http.MethodGet, "/v1/feedback", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestFeedbackHandler_NoStoreIsLogOnly(t *testing.T) {
	h := FeedbackHandler{Logger: discardLogger()}
	rr := postFeedback(t, h, `{"score":3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestFeedbackHandler_RejectsBadPayload(t *testing.T) {
	h := FeedbackHandler{Store: &fakeFeedbackStore{}}

	if rr := postFeedback(t, h, `{not json`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed: status=%d", rr.Code)
	}
	if rr := postFeedback(t, h, `{"score":9}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("out of range: status=%d", rr.Code)
	}
}

func TestFeedbackHandler_InsertFailure(t *testing.T) {
	h := FeedbackHandler{Store: &fakeFeedbackStore{fail: true}, Logger: discardLogger()}
	rr := postFeedback(t, h, `{"score":2}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}
