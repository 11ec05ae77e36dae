package lockercycletest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
)

// TestEndToEnd_CycleLoop runs the controller against the in-process locker
// API with an injected arm whose final motion shuts the door, the same
// closed -> open -> sequence -> closed round trip the hardware rig performs.
func TestEndToEnd_CycleLoop(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "e2e")

	f := newFakeLockerServer(t)
	a, log := obedientArm("test-arm")
	inner := a.MoveThroughJointPositionsFunc
	a.MoveThroughJointPositionsFunc = func(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
		if err := inner(ctx, positions, options, extra); err != nil {
			return err
		}
		if log.moveCount()%len(defaultSequence) == 0 {
			f.setDoor(3, false)
		}
		return nil
	}
	deps := resource.Dependencies{resource.NewName(arm.API, "test-arm"): a}

	auditPath := filepath.Join(t.TempDir(), "audit.log")
	cfg := &Config{
		Arm:               "test-arm",
		LockerAddress:     f.url(),
		LockerPassword:    f.password,
		TargetLocker:      3,
		AuditLogPath:      auditPath,
		OpenTimeoutSec:    0.5,
		CloseTimeoutSec:   0.5,
		PollIntervalMs:    5,
		RetryDelaySec:     0.01,
		ReconnectDelaySec: 0.02,
	}

	ctrl, err := NewController(context.Background(), deps, name, cfg, logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer ctrl.Close(context.Background())
	c := ctrl.(*lockerCycleTestController)

	if _, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "start"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Back-to-back cycles run until stopped; wait for at least two successes.
	deadline := time.Now().Add(5 * time.Second)
	var state map[string]interface{}
	for time.Now().Before(deadline) {
		state = c.GetState()
		if state["successful_cycles"].(int) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state["successful_cycles"].(int) < 2 {
		t.Fatalf("loop never completed two cycles: %v", state)
	}

	summary, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "stop"})
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if summary["status"] != "stopped" {
		t.Errorf("stop summary = %v", summary)
	}
	total := summary["total_cycles"].(int)
	successful := summary["successful_cycles"].(int)
	failed := summary["failed_cycles"].(int)
	if total < 2 || successful < 2 {
		t.Errorf("total = %d, successful = %d", total, successful)
	}
	// Stop may truncate the cycle in flight; nothing else fails in this rig.
	if failed > 1 {
		t.Errorf("failed_cycles = %d", failed)
	}
	if successful+failed != total {
		t.Errorf("counters inconsistent: %d + %d != %d", successful, failed, total)
	}
	if _, ok := summary["cycle_duration"]; !ok {
		t.Error("summary should include cycle_duration aggregates")
	}

	state = c.GetState()
	if state["running"] != false {
		t.Errorf("running = %v after stop", state["running"])
	}

	// History carries the completed cycles in order, most recent last.
	recent := state["recent_cycles"].([]interface{})
	if len(recent) == 0 {
		t.Fatal("recent_cycles is empty")
	}
	prev := 0
	successEntries := 0
	for _, entry := range recent {
		rec := entry.(map[string]interface{})
		n := rec["cycle_num"].(int)
		if n <= prev {
			t.Errorf("cycle numbering not increasing: %d after %d", n, prev)
		}
		prev = n
		if rec["status"] != "Success" {
			continue
		}
		successEntries++
		if rec["duration"].(float64) <= 0 {
			t.Errorf("cycle %d duration = %v", n, rec["duration"])
		}
		if rec["locker_status"] != "CLOSED" {
			t.Errorf("cycle %d locker_status = %v", n, rec["locker_status"])
		}
	}
	if successEntries != successful {
		t.Errorf("history has %d successes, counters say %d", successEntries, successful)
	}

	// Each completed cycle issues exactly one open command and one full arm
	// sequence; a truncated final cycle may add part of each.
	if opens := f.openCallCount(); opens < successful || opens > total {
		t.Errorf("open commands = %d, want %d..%d", opens, successful, total)
	}
	moves := log.moveCount()
	if moves < successful*len(defaultSequence) || moves > total*len(defaultSequence) {
		t.Errorf("arm moves = %d for %d cycles", moves, total)
	}

	// The audit trail records the run and each cycle's milestones.
	trail, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	text := string(trail)
	for _, want := range []string{
		"started",
		"cycle 1 phase Opening Locker",
		"cycle 1 phase Robot Sequence",
		"cycle 1 complete",
		"cycle 2 complete",
		"summary: total=",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("audit log missing %q", want)
		}
	}
}
