package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"contentengine/pkg/queue"
)

func TestClientRoutesAndErrors(t *testing.T) {
	var gotSpec queue.Spec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/internal/worker/run":
			_, _ = w.Write([]byte(`{"due":2,"posted":1,"failed":1,"items":[]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/internal/usage":
			_, _ = w.Write([]byte(`{"usage":{"account":"default","callsToday":3},"nextCallInMs":1500}`))
		case r.Method == http.MethodPost && r.URL.Path == "/internal/jobs":
			_ = json.NewDecoder(r.Body).Decode(&gotSpec)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"job-1","kind":"generate","status":"queued"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil, "", "")
	ctx := context.Background()

	pass, err := c.RunPass(ctx)
	if err != nil || pass.Due != 2 || pass.Posted != 1 {
		t.Fatalf("run pass: %+v err=%v", pass, err)
	}
	rep, err := c.Usage(ctx)
	if err != nil || rep.Usage.CallsToday != 3 || rep.NextCallInMs != 1500 {
		t.Fatalf("usage: %+v err=%v", rep, err)
	}
	job, err := c.Enqueue(ctx, queue.Spec{Pillar: "what_building", Framework: "STF"})
	if err != nil || job.ID != "job-1" {
		t.Fatalf("enqueue: %+v err=%v", job, err)
	}
	if gotSpec.Pillar != "what_building" || gotSpec.Framework != "STF" {
		t.Fatalf("spec not sent: %+v", gotSpec)
	}

	_, err = c.GetJob(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message != "job not found" {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}
