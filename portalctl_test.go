package portalctl

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portalctl/internal/devicetest"
	"github.com/loykin/portalctl/internal/metrics"
	"github.com/loykin/portalctl/pkg/client"
)

func newRunner(t *testing.T) (*devicetest.Portal, *Runner, *bytes.Buffer) {
	t.Helper()
	portal := devicetest.New(t, "", "")
	portal.AddPackage(devicetest.Record("Viewer", "Contoso.Viewer", client.Version{Major: 2}, true))
	var out bytes.Buffer
	r, err := New(ClientConfig{BaseURL: portal.URL(), Timeout: 5 * time.Second}, Options{
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  2 * time.Second,
		Out:          &out,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return portal, r, &out
}

func TestRunnerStartStop(t *testing.T) {
	_, r, out := newRunner(t)
	target := Target{Key: "PackageFamilyName", Value: "Contoso.Viewer"}
	ctx := context.Background()

	if err := r.Start(ctx, target); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Stop(ctx, target); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out.String(), "Starting Contoso.Viewer: Done.") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunnerNotInstalled(t *testing.T) {
	_, r, _ := newRunner(t)
	err := r.Start(context.Background(), Target{Key: "PackageFamilyName", Value: "Missing"})
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestRunnerList(t *testing.T) {
	_, r, out := newRunner(t)
	if err := r.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "2.0.0.0") {
		t.Fatalf("missing version in %q", out.String())
	}
}

func TestNewHistorySinks(t *testing.T) {
	sink, closeFn, err := NewHistorySinks([]string{filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatalf("open sinks: %v", err)
	}
	defer func() { _ = closeFn() }()
	if err := sink.Send(context.Background(), HistoryEvent{Type: "run_end", RunID: "r1", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3.4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.String() != "1.2.3.4" {
		t.Fatalf("got %s", v)
	}
}
