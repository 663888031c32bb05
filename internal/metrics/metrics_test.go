package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/models"
)

func TestAttachTracksState(t *testing.T) {
	m := New("test")
	mgr := ksm.New(ksm.DefaultOptions())
	detach := m.Attach(mgr)

	mgr.UpdateTicket(models.Ticket{ID: "a", Status: models.StatusPending, IsFireSignal: true, Timestamp: 1})
	mgr.UpdateTicket(models.Ticket{ID: "b", Status: models.StatusWon, Timestamp: 2})
	mgr.SetSystemState(models.StateScanning)

	if got := testutil.ToFloat64(m.Tickets); got != 2 {
		t.Errorf("tickets = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FireSignals); got != 1 {
		t.Errorf("fire signals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Won); got != 1 {
		t.Errorf("won = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SystemState.WithLabelValues("SCANNING")); got != 1 {
		t.Errorf("SCANNING = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SystemState.WithLabelValues("STANDBY")); got != 0 {
		t.Errorf("STANDBY = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Notifications); got != 3 {
		t.Errorf("notifications = %v, want 3", got)
	}

	detach()
	mgr.SetSystemState(models.StateStandby)
	if got := testutil.ToFloat64(m.Notifications); got != 3 {
		t.Errorf("notifications after detach = %v, want 3", got)
	}
}

func TestObserveCycle(t *testing.T) {
	m := New("test")
	m.ObserveCycle(models.CycleReport{AuditedCount: 2, NewSignalCount: 3}, 2*time.Second, nil)
	m.ObserveCycle(models.CycleReport{AuditedCount: 1, Errors: []string{"x"}}, time.Second, nil)
	m.ObserveCycle(models.CycleReport{}, 0, errors.New("busy"))

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped cycles = %v", got)
	}
	if got := testutil.ToFloat64(m.AuditedTickets); got != 3 {
		t.Errorf("audited = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.CycleItemErrors); got != 1 {
		t.Errorf("item errors = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("kairos")
	m.Attach(ksm.New(ksm.DefaultOptions()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"kairos_state_tickets", "kairos_state_system_state", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	// Separate instances must not collide on registration.
	_ = New("kairos")
	_ = New("kairos")
}
