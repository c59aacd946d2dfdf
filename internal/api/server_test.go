package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rebvpn/rebnode/internal/control"
	"github.com/rebvpn/rebnode/internal/updater"
)

func writeFakeXray(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xray")
	script := `#!/bin/sh
if [ "$1" = "version" ]; then
  echo "Xray 1.8.24 (Xray, Penetrates Everything.)"
  exit 0
fi
cat > /dev/null
echo "xray running"
while true; do sleep 0.2; done
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *control.Service) {
	t.Helper()
	svc := control.NewService(control.Options{
		ExecutablePath: writeFakeXray(t),
		AssetsPath:     t.TempDir(),
		Updater:        updater.New(t.TempDir(), t.TempDir()),
	})
	s := NewServer(svc, apiKey)
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { svc.Stop() })
	return ts, svc
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, err := http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: got %d, want 200", resp.StatusCode)
	}
}

func TestStartWithoutSessionConflicts(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/start", "application/json", strings.NewReader(`{"config":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("got %d, want 409", resp.StatusCode)
	}
}

// sessionStream opens the SSE session endpoint and feeds its lines to a
// channel for assertion.
type sessionStream struct {
	resp  *http.Response
	lines chan string
}

func openSession(t *testing.T, baseURL string) *sessionStream {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+"/v1/session", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("session: got %d, want 200", resp.StatusCode)
	}

	st := &sessionStream{resp: resp, lines: make(chan string, 256)}
	go func() {
		defer close(st.lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			st.lines <- scanner.Text()
		}
	}()
	t.Cleanup(func() { resp.Body.Close() })

	st.expect(t, "event: hello")
	return st
}

// expect scans forward through the stream until want appears.
func (st *sessionStream) expect(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-st.lines:
			if !ok {
				t.Fatalf("stream closed before %q", want)
			}
			if line == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestSessionStreamReceivesLifecycleEvents(t *testing.T) {
	ts, _ := newTestServer(t, "")
	st := openSession(t, ts.URL)

	resp, err := http.Post(ts.URL+"/v1/start", "application/json", strings.NewReader(`{"config":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: got %d, want 200", resp.StatusCode)
	}
	st.expect(t, "event: started")

	resp, err = http.Post(ts.URL+"/v1/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: got %d, want 200", resp.StatusCode)
	}
	st.expect(t, "event: stopped")
}

func TestSecondSessionRejectedWhileFirstAlive(t *testing.T) {
	ts, _ := newTestServer(t, "")
	openSession(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/session")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second session: got %d, want 409", resp.StatusCode)
	}
}

func TestOpenLogsWithoutEngineConflicts(t *testing.T) {
	ts, _ := newTestServer(t, "")
	openSession(t, ts.URL)

	resp, err := http.Post(ts.URL+"/v1/logs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("got %d, want 409", resp.StatusCode)
	}
}

func TestLogsStreamRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, "")
	st := openSession(t, ts.URL)

	resp, err := http.Post(ts.URL+"/v1/start", "application/json", strings.NewReader(`{"config":"{}"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	st.expect(t, "event: started")

	resp, err = http.Post(ts.URL+"/v1/logs", "application/json", strings.NewReader(`{"interval_ms":100}`))
	if err != nil {
		t.Fatal(err)
	}
	var opened struct {
		ID int `json:"id"`
	}
	if err := decodeBody(resp, &opened); err != nil {
		t.Fatalf("open logs: %v", err)
	}
	if opened.ID == 0 {
		t.Fatal("expected a stream id")
	}

	st.expect(t, "event: logs")
	st.expect(t, "data: xray running")

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/logs/%d", ts.URL, opened.ID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete stream: got %d, want 200", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete twice: got %d, want 404", resp.StatusCode)
	}
}

func decodeBody(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func TestOpenLogsRejectsOversizedInterval(t *testing.T) {
	ts, _ := newTestServer(t, "")
	openSession(t, ts.URL)

	for _, body := range []string{
		`{"interval_ms":60000}`,
		`{"interval_ms":-1}`,
	} {
		resp, err := http.Post(ts.URL+"/v1/logs", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestUpdateCoreRequiresVersion(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/core/update", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
}

func TestUpdateGeoRejectsEmptyBatch(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/geo/update", "application/json", strings.NewReader(`{"files":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("got %d, want 400", resp.StatusCode)
	}
}
