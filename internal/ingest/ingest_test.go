package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
	logx "fiscalbot/pkg/logx"
)

type fakeAdmitter struct {
	called chan struct{}
	mu     sync.Mutex
	last   struct {
		inn      string
		terminal string
		sev      alert.Severity
		alerts   []alert.Alert
	}
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{called: make(chan struct{}, 1)}
}

func (f *fakeAdmitter) AdmitAlert(_ context.Context, inn, terminalKey string, sev alert.Severity, alerts []alert.Alert, _, _ int) error {
	f.mu.Lock()
	f.last.inn = inn
	f.last.terminal = terminalKey
	f.last.sev = sev
	f.last.alerts = alerts
	f.mu.Unlock()
	f.called <- struct{}{}
	return nil
}

type fakeStateStore struct {
	mu     sync.Mutex
	states []store.TerminalState
}

func (f *fakeStateStore) UpsertTerminalState(_ context.Context, t store.TerminalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, t)
	return nil
}

func postSnapshot(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/snapshot", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestSnapshotAccepted(t *testing.T) {
	adm := newFakeAdmitter()
	st := &fakeStateStore{}
	s := NewServer(Config{}, adm, st, logx.Nop())

	rec := postSnapshot(t, s, `{
		"inn": "7707083893", "shop_number": 2, "pos_number": 3,
		"severity": "danger",
		"alerts": [{"type": "fiscal_drive", "message": "Fiscal drive 95% full", "severity": "danger"}]
	}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["event_id"] == "" {
		t.Errorf("event id missing in response")
	}

	st.mu.Lock()
	if len(st.states) != 1 || st.states[0].TerminalKey != "7707083893:2:3" {
		t.Errorf("terminal state not persisted: %+v", st.states)
	}
	st.mu.Unlock()

	select {
	case <-adm.called:
	case <-time.After(2 * time.Second):
		t.Fatal("admission never invoked")
	}
	adm.mu.Lock()
	defer adm.mu.Unlock()
	if adm.last.sev != alert.SeverityDanger || len(adm.last.alerts) != 1 {
		t.Errorf("admission args wrong: %+v", adm.last)
	}
}

func TestSnapshotInfoSkipsAdmission(t *testing.T) {
	adm := newFakeAdmitter()
	st := &fakeStateStore{}
	s := NewServer(Config{}, adm, st, logx.Nop())

	rec := postSnapshot(t, s, `{
		"inn": "7707083893", "shop_number": 1, "pos_number": 1,
		"severity": "info",
		"alerts": [{"type": "heartbeat", "message": "ok", "severity": "info"}]
	}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case <-adm.called:
		t.Fatal("info snapshot must not reach admission")
	case <-time.After(100 * time.Millisecond):
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.states) != 1 {
		t.Errorf("state should still be persisted for info snapshots")
	}
}

func TestSnapshotValidation(t *testing.T) {
	cases := map[string]string{
		"not json":         `{{`,
		"missing inn":      `{"shop_number": 1, "pos_number": 1, "severity": "warn"}`,
		"zero shop":        `{"inn": "1", "shop_number": 0, "pos_number": 1, "severity": "warn"}`,
		"unknown severity": `{"inn": "1", "shop_number": 1, "pos_number": 1, "severity": "meh"}`,
	}
	for name, body := range cases {
		s := NewServer(Config{}, newFakeAdmitter(), &fakeStateStore{}, logx.Nop())
		if rec := postSnapshot(t, s, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{}, newFakeAdmitter(), &fakeStateStore{}, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}
