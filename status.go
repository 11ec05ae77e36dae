package lockercycletest

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Phase tracks where a cycle is in the fixed phase order. Values are the
// display strings served to the monitor page.
type Phase string

const (
	PhaseInitializing       Phase = "Initializing"
	PhaseStarting           Phase = "Starting"
	PhaseCheckInitialClosed Phase = "Checking Initial State"
	PhaseCheckConnection    Phase = "Checking Connection"
	PhaseOpenLocker         Phase = "Opening Locker"
	PhaseVerifyOpen         Phase = "Verifying State Change"
	PhaseRobotSequence      Phase = "Robot Sequence"
	PhaseVerifyClosed       Phase = "Verifying Close State"
	PhaseComplete           Phase = "Complete"
	PhaseError              Phase = "Error"
)

// Outcome is a cycle's overall status.
type Outcome string

const (
	OutcomeIdle       Outcome = "Idle"
	OutcomeInProgress Outcome = "In Progress"
	OutcomeSuccess    Outcome = "Success"
	OutcomeFailed     Outcome = "Failed"
)

// LockerState is the door state recorded on a cycle. It is only set once a
// state transition has been verified, never on command acceptance alone.
type LockerState string

const (
	LockerStateUnknown LockerState = "Unknown"
	LockerStateOpen    LockerState = "OPEN"
	LockerStateClosed  LockerState = "CLOSED"
)

// RobotState is the arm's progress recorded on a cycle.
type RobotState string

const (
	RobotStateUnknown    RobotState = "Unknown"
	RobotStateInProgress RobotState = "In Progress"
	RobotStateCompleted  RobotState = "COMPLETED"
)

// CycleRecord is one cycle's progress and final outcome. A record is created
// at cycle start, mutated as phases run, and frozen into history once the
// outcome is terminal.
type CycleRecord struct {
	Cycle       int         `json:"cycle_num"`
	Phase       Phase       `json:"phase"`
	LockerState LockerState `json:"locker_status"`
	RobotState  RobotState  `json:"robot_status"`
	Outcome     Outcome     `json:"status"`
	StartedAt   time.Time   `json:"timestamp"`
	Duration    float64     `json:"duration"`
	Error       string      `json:"error,omitempty"`
	Critical    bool        `json:"critical,omitempty"`
}

const (
	historyCap = 50
	recentCap  = 10
)

// statusSnapshot is the read-only composed view served by the monitor and the
// cycle sensor. Snapshots are immutable once published; readers never see a
// partial update.
type statusSnapshot struct {
	Running          bool          `json:"running"`
	CycleCount       int           `json:"cycle_count"`
	SuccessfulCycles int           `json:"successful_cycles"`
	FailedCycles     int           `json:"failed_cycles"`
	ServerConnected  bool          `json:"server_connected"`
	RobotConnected   bool          `json:"robot_connected"`
	CurrentCycle     CycleRecord   `json:"current_cycle"`
	RecentCycles     []CycleRecord `json:"recent_cycles"`
}

func initialRecord() CycleRecord {
	return CycleRecord{
		Phase:       PhaseInitializing,
		LockerState: LockerStateUnknown,
		RobotState:  RobotStateUnknown,
		Outcome:     OutcomeIdle,
	}
}

// recentOf copies up to recentCap records from the end of history,
// most recent last.
func recentOf(history []CycleRecord) []CycleRecord {
	if n := len(history); n > recentCap {
		history = history[n-recentCap:]
	}
	out := make([]CycleRecord, len(history))
	copy(out, history)
	return out
}

func (r CycleRecord) asMap() map[string]interface{} {
	m := map[string]interface{}{
		"cycle_num":     r.Cycle,
		"phase":         string(r.Phase),
		"locker_status": string(r.LockerState),
		"robot_status":  string(r.RobotState),
		"status":        string(r.Outcome),
		"duration":      r.Duration,
	}
	if !r.StartedAt.IsZero() {
		m["timestamp"] = r.StartedAt.Format(time.RFC3339)
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Critical {
		m["critical"] = true
	}
	return m
}

// asMap converts the snapshot for DoCommand responses and sensor readings,
// which may only carry proto-representable values.
func (s *statusSnapshot) asMap() map[string]interface{} {
	recent := make([]interface{}, len(s.RecentCycles))
	for i, rec := range s.RecentCycles {
		recent[i] = rec.asMap()
	}
	return map[string]interface{}{
		"running":           s.Running,
		"cycle_count":       s.CycleCount,
		"successful_cycles": s.SuccessfulCycles,
		"failed_cycles":     s.FailedCycles,
		"server_connected":  s.ServerConnected,
		"robot_connected":   s.RobotConnected,
		"current_cycle":     s.CurrentCycle.asMap(),
		"recent_cycles":     recent,
	}
}

// durationSummary aggregates cycle durations in seconds. Returns nil when
// there is nothing to aggregate.
func durationSummary(durations []float64) map[string]interface{} {
	if len(durations) == 0 {
		return nil
	}
	mean, _ := stats.Mean(durations)
	median, _ := stats.Median(durations)
	shortest, _ := stats.Min(durations)
	longest, _ := stats.Max(durations)
	return map[string]interface{}{
		"mean_seconds":   mean,
		"median_seconds": median,
		"min_seconds":    shortest,
		"max_seconds":    longest,
	}
}
