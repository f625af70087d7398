package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkgdepot/pkgdepot/internal/task"
)

type fakePublisher struct {
	channel  string
	payloads [][]byte
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload any) error {
	p.channel = channel
	p.payloads = append(p.payloads, payload.([]byte))
	return nil
}

type fakeLister struct {
	names []string
}

func (l *fakeLister) PackageNames(ctx context.Context) ([]string, error) {
	return l.names, nil
}

func doReindex(t *testing.T, handler http.HandlerFunc, method, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/v1/admin/reindex", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestReindexRejectsNonPost(t *testing.T) {
	handler := reindexHandler(&fakePublisher{}, "triggers", nil)
	rec := doReindex(t, handler, http.MethodGet, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestReindexWithoutPublisher(t *testing.T) {
	handler := reindexHandler(nil, "triggers", nil)
	rec := doReindex(t, handler, http.MethodPost, `{"package":"http"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestReindexSinglePackage(t *testing.T) {
	pub := &fakePublisher{}
	handler := reindexHandler(pub, "triggers", nil)

	rec := doReindex(t, handler, http.MethodPost, `{"package":"http","version":"1.0.0"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if pub.channel != "triggers" || len(pub.payloads) != 1 {
		t.Fatalf("published %d messages on %q", len(pub.payloads), pub.channel)
	}
	var msg task.TriggerMessage
	if err := json.Unmarshal(pub.payloads[0], &msg); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if msg.Package != "http" || msg.Version != "1.0.0" {
		t.Errorf("trigger = %+v", msg)
	}
	if msg.Updated.IsZero() {
		t.Error("trigger missing the stamped update time")
	}
}

func TestReindexVersionOptional(t *testing.T) {
	pub := &fakePublisher{}
	handler := reindexHandler(pub, "triggers", nil)

	rec := doReindex(t, handler, http.MethodPost, `{"package":"http"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}

	rec = doReindex(t, handler, http.MethodPost, `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty request status = %d, want 400", rec.Code)
	}
}

func TestReindexBulkSweep(t *testing.T) {
	pub := &fakePublisher{}
	lister := &fakeLister{names: []string{"http", "yaml", "grpc"}}
	handler := reindexHandler(pub, "triggers", lister)

	rec := doReindex(t, handler, http.MethodPost, `{"all":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if len(pub.payloads) != 3 {
		t.Fatalf("published %d triggers, want 3", len(pub.payloads))
	}
	var msg task.TriggerMessage
	if err := json.Unmarshal(pub.payloads[1], &msg); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if msg.Package != "yaml" || msg.Version != "" {
		t.Errorf("bulk trigger = %+v, want whole-package yaml", msg)
	}
}

func TestReindexBulkWithoutLister(t *testing.T) {
	handler := reindexHandler(&fakePublisher{}, "triggers", nil)
	rec := doReindex(t, handler, http.MethodPost, `{"all":true}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
