package lockercycletest

import (
	"context"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStatistics() map[string]interface{} {
	return m.stats
}

func TestStatsSensor_GetReadings_ReturnsStatistics(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(sensor.API, "test-stats")

	expected := map[string]interface{}{
		"total_cycles":         12,
		"successful_cycles":    10,
		"failed_cycles":        2,
		"success_rate_percent": 83.3,
		"cycle_duration": map[string]interface{}{
			"mean_seconds": 41.7,
		},
	}

	mock := &mockStatsProvider{stats: expected}
	s := &statsSensor{
		name:       name,
		logger:     logger,
		controller: mock,
	}

	readings, err := s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}

	if readings["total_cycles"] != expected["total_cycles"] {
		t.Errorf("total_cycles: expected %v, got %v", expected["total_cycles"], readings["total_cycles"])
	}
	if readings["success_rate_percent"] != expected["success_rate_percent"] {
		t.Errorf("success_rate_percent: expected %v, got %v", expected["success_rate_percent"], readings["success_rate_percent"])
	}
	durations, ok := readings["cycle_duration"].(map[string]interface{})
	if !ok {
		t.Fatalf("cycle_duration: expected nested map, got %T", readings["cycle_duration"])
	}
	if durations["mean_seconds"] != 41.7 {
		t.Errorf("mean_seconds: got %v", durations["mean_seconds"])
	}
}

func TestStatsSensorConfigValidate(t *testing.T) {
	t.Run("returns controller service name", func(t *testing.T) {
		cfg := &StatsSensorConfig{Controller: "cycle-controller"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		want := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "cycle-controller")
		if len(deps) != 1 || deps[0] != want.String() {
			t.Errorf("dependencies = %v", deps)
		}
	})

	t.Run("errors when controller missing", func(t *testing.T) {
		cfg := &StatsSensorConfig{}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing controller")
		}
	})
}
