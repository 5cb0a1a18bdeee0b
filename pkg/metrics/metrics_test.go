package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ActiveWorkers.Set(3)
	m.ExperimentsCompleted.Add(7)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)

	if !strings.Contains(text, "firmfault_scheduler_active_workers 3") {
		t.Fatalf("expected active_workers gauge to read 3, got:\n%s", text)
	}
	if !strings.Contains(text, "firmfault_scheduler_experiments_completed_total 7") {
		t.Fatalf("expected experiments_completed_total counter to read 7, got:\n%s", text)
	}
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after context cancellation")
	}
}
