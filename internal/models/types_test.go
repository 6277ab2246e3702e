package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDeviceCloneIsDeepCopy(t *testing.T) {
	last := time.Date(2026, 5, 2, 11, 0, 0, 0, time.UTC)
	orig := Device{
		Key:          "web-01_10.0.0.5",
		Status:       StatusOnline,
		LastUpdate:   &last,
		HardwareInfo: json.RawMessage(`{"cores":8}`),
		Services:     map[string]float64{"nginx": 1.5},
	}

	// Clone returns a value; mutating it must leave the original untouched.
	cp := orig.Clone()
	cp.Status = StatusConnectionFailed
	*cp.LastUpdate = cp.LastUpdate.Add(time.Hour)
	cp.HardwareInfo[2] = 'x'
	cp.Services["nginx"] = 99

	if orig.Status != StatusOnline {
		t.Errorf("status mutated through clone: %q", orig.Status)
	}
	if !orig.LastUpdate.Equal(last) {
		t.Errorf("last update mutated through clone: %v", orig.LastUpdate)
	}
	if string(orig.HardwareInfo) != `{"cores":8}` {
		t.Errorf("hardware info mutated through clone: %s", orig.HardwareInfo)
	}
	if orig.Services["nginx"] != 1.5 {
		t.Errorf("services mutated through clone: %v", orig.Services)
	}
}

func TestAlertKey(t *testing.T) {
	if got := AlertKey("web-01_10.0.0.5", "cpu"); got != "web-01_10.0.0.5_cpu" {
		t.Errorf("AlertKey = %q", got)
	}
}
