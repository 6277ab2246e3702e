package alert

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/anomaly"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{
		Thresholds:           map[string][2]float64{"cpu": {80, 95}},
		AnomalyTakesPriority: true,
	}, anomaly.NewDetector(), events.NewBus(), nil)
}

// Threshold (warning=80, critical=95), values [50, 85, 97, 60]:
// none → create(warning) → update(critical) → resolve.
func TestLifecycleWarningCriticalResolve(t *testing.T) {
	m := newTestManager(t)

	if got := m.Evaluate("dev1", "cpu", 50); got != nil {
		t.Fatalf("50%% produced an alert: %+v", got)
	}
	if n := len(m.ActiveAlerts()); n != 0 {
		t.Fatalf("active alerts after normal value = %d", n)
	}

	created := m.Evaluate("dev1", "cpu", 85)
	if created == nil || created.Level != models.LevelWarning {
		t.Fatalf("85%% => %+v, want warning alert", created)
	}
	if created.Resolved || created.Acknowledged {
		t.Error("new alert must start unresolved and unacknowledged")
	}
	if created.Threshold != 80 {
		t.Errorf("threshold = %v, want 80", created.Threshold)
	}

	updated := m.Evaluate("dev1", "cpu", 97)
	if updated == nil || updated.Level != models.LevelCritical {
		t.Fatalf("97%% => %+v, want critical alert", updated)
	}
	if updated.ID != created.ID {
		t.Errorf("alert id changed on level transition: %q vs %q", updated.ID, created.ID)
	}
	if n := len(m.ActiveAlerts()); n != 1 {
		t.Fatalf("active alerts = %d, want 1", n)
	}

	resolved := m.Evaluate("dev1", "cpu", 60)
	if resolved == nil || !resolved.Resolved {
		t.Fatalf("60%% => %+v, want resolved alert", resolved)
	}
	if n := len(m.ActiveAlerts()); n != 0 {
		t.Errorf("active alerts after resolution = %d, want 0", n)
	}
	if n := len(m.History()); n != 1 {
		t.Errorf("archive holds %d alerts, want 1", n)
	}
}

func TestAlertIdentityIsStable(t *testing.T) {
	m := newTestManager(t)

	a := m.Evaluate("dev1", "cpu", 85)
	b := m.Evaluate("dev1", "cpu", 97)
	if a.ID != b.ID {
		t.Errorf("two classifications for the same device+metric produced ids %q and %q", a.ID, b.ID)
	}
	if a.ID != models.AlertKey("dev1", "cpu") {
		t.Errorf("id = %q, want composite key", a.ID)
	}
}

func TestSameLevelRepeatIsNoOp(t *testing.T) {
	m := newTestManager(t)

	first := m.Evaluate("dev1", "cpu", 85)
	if first == nil {
		t.Fatal("expected warning alert")
	}
	if again := m.Evaluate("dev1", "cpu", 88); again != nil {
		t.Errorf("repeated warning refreshed the alert: %+v", again)
	}

	active := m.ActiveAlerts()
	if len(active) != 1 || active[0].Value != 85 {
		t.Errorf("alert churned on same-level repeat: %+v", active)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	m.Evaluate("dev1", "cpu", 85)
	if r := m.Evaluate("dev1", "cpu", 50); r == nil {
		t.Fatal("expected resolution")
	}

	if r := m.Evaluate("dev1", "cpu", 40); r != nil {
		t.Errorf("second normal value re-resolved: %+v", r)
	}
	if n := len(m.History()); n != 1 {
		t.Errorf("archive holds %d entries after double resolve, want 1", n)
	}
}

func TestReactivationAfterResolve(t *testing.T) {
	m := newTestManager(t)
	m.Evaluate("dev1", "cpu", 85)
	m.Evaluate("dev1", "cpu", 50)

	re := m.Evaluate("dev1", "cpu", 96)
	if re == nil || re.Resolved {
		t.Fatalf("resolved alert not reactivated: %+v", re)
	}
	if re.Level != models.LevelCritical {
		t.Errorf("level = %v, want critical", re.Level)
	}
	if n := len(m.ActiveAlerts()); n != 1 {
		t.Errorf("active alerts = %d, want 1", n)
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	m := newTestManager(t)
	created := m.Evaluate("dev1", "cpu", 85)

	acked, err := m.AcknowledgeAlert(created.ID)
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if !acked.Acknowledged {
		t.Error("returned snapshot not marked acknowledged")
	}
	if active := m.ActiveAlerts(); !active[0].Acknowledged {
		t.Error("alert not marked acknowledged")
	}

	_, err = m.AcknowledgeAlert("dev9_cpu")
	if !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("unknown id error = %v, want ErrAlertNotFound", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(Config{
		Thresholds:   map[string][2]float64{"cpu": {80, 95}},
		HistoryLimit: 5,
	}, anomaly.NewDetector(), nil, nil)

	// Raise and resolve more alerts than the archive holds.
	for i := 0; i < 8; i++ {
		dev := fmt.Sprintf("dev%d", i)
		m.Evaluate(dev, "cpu", 85)
		m.Evaluate(dev, "cpu", 10)
	}

	hist := m.History()
	if len(hist) != 5 {
		t.Fatalf("archive len = %d, want 5", len(hist))
	}
	if hist[0].DeviceKey != "dev3" {
		t.Errorf("oldest archived alert = %s, want dev3 (first three evicted)", hist[0].DeviceKey)
	}
}

func TestMetricWithoutThresholdIgnored(t *testing.T) {
	m := newTestManager(t)
	if got := m.Evaluate("dev1", "memory", 99); got != nil {
		t.Errorf("metric without a threshold raised an alert: %+v", got)
	}
}

func TestAnomalyOutranksThresholdBreach(t *testing.T) {
	m := newTestManager(t)

	// Build a tight baseline around 50 so the critical probe is also a
	// statistical outlier.
	for i := 0; i < 30; i++ {
		m.Evaluate("dev1", "cpu", 50+float64(i%3))
	}

	got := m.Evaluate("dev1", "cpu", 97)
	if got == nil {
		t.Fatal("expected an alert")
	}
	if got.Level != models.LevelAnomaly {
		t.Errorf("level = %v, want anomaly to outrank a critical breach", got.Level)
	}
}

func TestThresholdFirstWhenAnomalyPriorityDisabled(t *testing.T) {
	m := NewManager(Config{
		Thresholds:           map[string][2]float64{"cpu": {80, 95}},
		AnomalyTakesPriority: false,
	}, anomaly.NewDetector(), nil, nil)

	for i := 0; i < 30; i++ {
		m.Evaluate("dev1", "cpu", 50+float64(i%3))
	}

	got := m.Evaluate("dev1", "cpu", 97)
	if got == nil || got.Level != models.LevelCritical {
		t.Errorf("got %+v, want critical when thresholds are checked first", got)
	}
}

func TestEvaluatePublishesEvents(t *testing.T) {
	bus := events.NewBus()
	m := NewManager(Config{
		Thresholds: map[string][2]float64{"cpu": {80, 95}},
	}, anomaly.NewDetector(), bus, nil)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	m.Evaluate("dev1", "cpu", 85)
	m.Evaluate("dev1", "cpu", 97)
	m.Evaluate("dev1", "cpu", 50)

	want := []string{events.TypeAlertCreated, events.TypeAlertUpdated, events.TypeAlertResolved}
	for _, wantType := range want {
		select {
		case ev := <-sub.Ch:
			if ev.Type != wantType {
				t.Errorf("event type = %s, want %s", ev.Type, wantType)
			}
			if ev.Alert == nil {
				t.Error("alert event carries no alert payload")
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", wantType)
		}
	}
}

func TestSetThresholdReplacesLevels(t *testing.T) {
	m := newTestManager(t)
	m.SetThreshold("cpu", 60, 70, 0)

	got := m.Evaluate("dev1", "cpu", 75)
	if got == nil || got.Level != models.LevelCritical {
		t.Errorf("got %+v, want critical under updated threshold", got)
	}

	ths := m.Thresholds()
	if len(ths) != 1 || ths[0].WarningLevel != 60 || ths[0].CriticalLevel != 70 {
		t.Errorf("thresholds snapshot = %+v", ths)
	}
}
