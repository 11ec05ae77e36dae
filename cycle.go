package lockercycletest

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	goutils "go.viam.com/utils"
)

// Joint angles, in degrees, for the deployment this module was built
// against. Configs can override both the pose table and the sequence.
var defaultPoses = map[string][]float64{
	"home":       {80.555, -111.609, 110.737, -188.994, -84.695, 144.436},
	"position_1": {80.555, -91.025, 126.989, -188.994, -84.695, 144.436},
}

var defaultSequence = []string{"home", "position_1", "home"}

const (
	defaultSpeedDegsPerSec   = 20.0
	defaultAccelDegsPerSec2  = 100.0
	defaultJointToleranceDeg = 2.0

	defaultOpenTimeout    = 10 * time.Second
	defaultCloseTimeout   = 30 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	defaultRetryDelay     = 2 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultOpenRetries    = 3
)

var (
	errSafetyViolation = errors.New("door not confirmed open at robot sequence start")
	errCloseTimeout    = errors.New("door failed to close")
)

// cycleTiming collects the per-phase timeouts and retry knobs.
type cycleTiming struct {
	openTimeout    time.Duration
	closeTimeout   time.Duration
	pollInterval   time.Duration
	retryDelay     time.Duration
	reconnectDelay time.Duration
	openRetries    int
}

func timingFromConfig(cfg *Config) cycleTiming {
	t := cycleTiming{
		openTimeout:    defaultOpenTimeout,
		closeTimeout:   defaultCloseTimeout,
		pollInterval:   defaultPollInterval,
		retryDelay:     defaultRetryDelay,
		reconnectDelay: defaultReconnectDelay,
		openRetries:    defaultOpenRetries,
	}
	if cfg.OpenTimeoutSec > 0 {
		t.openTimeout = time.Duration(cfg.OpenTimeoutSec * float64(time.Second))
	}
	if cfg.CloseTimeoutSec > 0 {
		t.closeTimeout = time.Duration(cfg.CloseTimeoutSec * float64(time.Second))
	}
	if cfg.PollIntervalMs > 0 {
		t.pollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	if cfg.RetryDelaySec > 0 {
		t.retryDelay = time.Duration(cfg.RetryDelaySec * float64(time.Second))
	}
	if cfg.ReconnectDelaySec > 0 {
		t.reconnectDelay = time.Duration(cfg.ReconnectDelaySec * float64(time.Second))
	}
	if cfg.OpenRetries > 0 {
		t.openRetries = cfg.OpenRetries
	}
	return t
}

// runLoop cycles until canceled. Cycles run back to back while the locker
// and arm are reachable; when either drops, the loop holds off and re-probes
// until both return.
func (c *lockerCycleTestController) runLoop(ctx context.Context, runID string) {
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.activeRun = nil
		c.mu.Unlock()
		c.publishCurrent()
		c.logFinalStatistics(runID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !c.collaboratorsReady(ctx) {
			c.logger.Warnf("%s: locker or arm unreachable, retrying in %s", runID, c.timing.reconnectDelay)
			if !goutils.SelectContextOrWait(ctx, c.timing.reconnectDelay) {
				return
			}
			continue
		}

		c.executeCycle(ctx)
	}
}

// collaboratorsReady probes the locker controller and the arm, records both
// connection states, and reports whether a cycle may start.
func (c *lockerCycleTestController) collaboratorsReady(ctx context.Context) bool {
	serverOK := false
	if _, err := c.locker.Status(ctx); err == nil {
		serverOK = true
	} else if lerr := c.locker.Login(ctx); lerr != nil {
		c.logger.Warnf("locker login failed: %v", lerr)
	} else if _, serr := c.locker.Status(ctx); serr == nil {
		serverOK = true
	} else {
		c.logger.Warnf("locker status failed after login: %v", serr)
	}

	robotOK := true
	if _, err := c.arm.IsMoving(ctx); err != nil {
		c.logger.Warnf("arm unreachable: %v", err)
		robotOK = false
	}

	c.mu.Lock()
	changed := c.serverConnected != serverOK || c.robotConnected != robotOK
	c.serverConnected = serverOK
	c.robotConnected = robotOK
	c.mu.Unlock()
	if changed {
		c.logger.Infof("connectivity: locker=%t arm=%t", serverOK, robotOK)
	}
	c.publishCurrent()

	return serverOK && robotOK
}

// executeCycle runs one full cycle and returns its finished record. The
// record is published at every phase transition so observers can follow the
// cycle live.
func (c *lockerCycleTestController) executeCycle(ctx context.Context) CycleRecord {
	c.mu.Lock()
	c.cycleCount++
	n := c.cycleCount
	c.mu.Unlock()

	rec := CycleRecord{
		Cycle:       n,
		Phase:       PhaseStarting,
		LockerState: LockerStateUnknown,
		RobotState:  RobotStateUnknown,
		Outcome:     OutcomeInProgress,
		StartedAt:   time.Now(),
	}
	c.publish(rec)
	c.logger.Infof("cycle %d starting", n)
	c.audit.record("cycle %d started", n)

	err := c.runPhases(ctx, &rec)
	rec.Duration = time.Since(rec.StartedAt).Seconds()
	if err != nil {
		rec.Phase = PhaseError
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
		rec.Critical = errors.Is(err, errCloseTimeout)
		c.logger.Errorf("cycle %d failed after %.1fs: %v", n, rec.Duration, err)
		c.audit.record("cycle %d failed: %v", n, err)
	} else {
		rec.Phase = PhaseComplete
		rec.Outcome = OutcomeSuccess
		c.logger.Infof("cycle %d complete in %.1fs", n, rec.Duration)
		c.audit.record("cycle %d complete in %.1fs", n, rec.Duration)
	}

	c.finalize(rec)
	c.publish(rec)
	return rec
}

// runPhases walks the fixed phase order, publishing each transition. A
// canceled context between phases fails the cycle rather than leaving it
// half recorded.
func (c *lockerCycleTestController) runPhases(ctx context.Context, rec *CycleRecord) error {
	phases := []struct {
		phase Phase
		run   func(context.Context, *CycleRecord) error
	}{
		{PhaseCheckInitialClosed, c.phaseCheckInitialClosed},
		{PhaseCheckConnection, c.phaseCheckConnection},
		{PhaseOpenLocker, c.phaseOpenLocker},
		{PhaseVerifyOpen, c.phaseVerifyOpen},
		{PhaseRobotSequence, c.phaseRobotSequence},
		{PhaseVerifyClosed, c.phaseVerifyClosed},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle stopped before completion: %w", err)
		}
		rec.Phase = p.phase
		c.publish(*rec)
		c.audit.record("cycle %d phase %s", rec.Cycle, p.phase)
		if err := p.run(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// phaseCheckInitialClosed refuses to cycle unless the door starts closed.
// The displayed locker state stays Unknown here; only the two verification
// phases set it.
func (c *lockerCycleTestController) phaseCheckInitialClosed(ctx context.Context, rec *CycleRecord) error {
	state, err := c.locker.DoorState(ctx, c.target)
	if err != nil {
		return fmt.Errorf("reading initial door state: %w", err)
	}
	if state != DoorClosed {
		return fmt.Errorf("locker %d must start closed, door is %s", c.target, state)
	}
	return nil
}

func (c *lockerCycleTestController) phaseCheckConnection(ctx context.Context, rec *CycleRecord) error {
	if _, err := c.locker.Status(ctx); err != nil {
		c.mu.Lock()
		c.serverConnected = false
		c.mu.Unlock()
		return fmt.Errorf("locker controller unreachable: %w", err)
	}
	return nil
}

// phaseOpenLocker sends the open command, retrying on a fixed delay. Each
// attempt is a full request; the locker treats repeats as idempotent.
func (c *lockerCycleTestController) phaseOpenLocker(ctx context.Context, rec *CycleRecord) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := c.locker.Open(ctx, c.target); err != nil {
			c.logger.Warnf("cycle %d open attempt %d/%d failed: %v", rec.Cycle, attempt, c.timing.openRetries, err)
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.timing.retryDelay), uint64(c.timing.openRetries-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("open command failed after %d attempts: %w", attempt, err)
	}
	return nil
}

// phaseVerifyOpen polls until the door reports open. The open hardware is
// spring driven, so this normally resolves in one or two polls.
func (c *lockerCycleTestController) phaseVerifyOpen(ctx context.Context, rec *CycleRecord) error {
	state, err := c.waitForDoor(ctx, DoorOpen, c.timing.openTimeout)
	if err != nil {
		return fmt.Errorf("waiting for door to open: %w", err)
	}
	if state != DoorOpen {
		return fmt.Errorf("door did not open within %s (last: %s)", c.timing.openTimeout, state)
	}
	rec.LockerState = LockerStateOpen
	c.publish(*rec)
	return nil
}

// phaseRobotSequence re-reads the door immediately before commanding motion
// and runs the arm through the configured poses.
func (c *lockerCycleTestController) phaseRobotSequence(ctx context.Context, rec *CycleRecord) error {
	state, err := c.locker.DoorState(ctx, c.target)
	if err != nil {
		return fmt.Errorf("safety check before motion: %w", err)
	}
	if state != DoorOpen {
		return fmt.Errorf("%w (current: %s)", errSafetyViolation, state)
	}

	rec.RobotState = RobotStateInProgress
	c.publish(*rec)

	results, completed, err := c.seq.run(ctx)
	for _, res := range results {
		c.audit.record("cycle %d pose %s moved=%t verified=%t elapsed=%.2fs",
			rec.Cycle, res.Pose, res.Moved, res.Verified, res.Elapsed)
	}
	if err != nil {
		rec.RobotState = RobotStateUnknown
		return fmt.Errorf("motion sequence failed after %d of %d steps: %w", completed, len(c.seq.sequence), err)
	}
	rec.RobotState = RobotStateCompleted
	c.publish(*rec)
	return nil
}

// phaseVerifyClosed waits for the arm to have pushed the door shut. A
// timeout here is the critical failure mode: the locker is left open and the
// site needs a physical inspection.
func (c *lockerCycleTestController) phaseVerifyClosed(ctx context.Context, rec *CycleRecord) error {
	state, err := c.waitForDoor(ctx, DoorClosed, c.timing.closeTimeout)
	if err != nil {
		return fmt.Errorf("waiting for door to close: %w", err)
	}
	if state != DoorClosed {
		return fmt.Errorf("%w within %s (last: %s): physical inspection required", errCloseTimeout, c.timing.closeTimeout, state)
	}
	rec.LockerState = LockerStateClosed
	c.publish(*rec)
	return nil
}

// waitForDoor polls the door until it reaches want or the timeout passes,
// returning the last observed state. Transient read errors keep the wait
// alive; only a canceled context errors out.
func (c *lockerCycleTestController) waitForDoor(ctx context.Context, want DoorState, timeout time.Duration) (DoorState, error) {
	deadline := time.Now().Add(timeout)
	last := DoorUnknown
	for {
		state, err := c.locker.DoorState(ctx, c.target)
		if err != nil {
			c.logger.Warnf("door poll failed: %v", err)
		} else {
			last = state
			if state == want {
				return state, nil
			}
		}
		if time.Now().After(deadline) {
			return last, nil
		}
		if !goutils.SelectContextOrWait(ctx, c.timing.pollInterval) {
			return last, ctx.Err()
		}
	}
}

// finalize folds a finished cycle into the counters and bounded history.
func (c *lockerCycleTestController) finalize(rec CycleRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch rec.Outcome {
	case OutcomeSuccess:
		c.successful++
	case OutcomeFailed:
		c.failed++
	}
	c.history = append(c.history, rec)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
}

// statisticsSummary aggregates counters and per-cycle durations for the
// stats command and the end-of-run report.
func (c *lockerCycleTestController) statisticsSummary() map[string]interface{} {
	c.mu.Lock()
	total := c.cycleCount
	successful := c.successful
	failed := c.failed
	durations := make([]float64, 0, len(c.history))
	for _, rec := range c.history {
		durations = append(durations, rec.Duration)
	}
	runtime := time.Since(c.startedAt)
	c.mu.Unlock()

	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}
	summary := map[string]interface{}{
		"total_cycles":         total,
		"successful_cycles":    successful,
		"failed_cycles":        failed,
		"success_rate_percent": rate,
		"runtime_seconds":      runtime.Seconds(),
	}
	if ds := durationSummary(durations); ds != nil {
		summary["cycle_duration"] = ds
	}
	return summary
}

func (c *lockerCycleTestController) logFinalStatistics(runID string) {
	c.mu.Lock()
	total := c.cycleCount
	successful := c.successful
	failed := c.failed
	runtime := time.Since(c.startedAt)
	c.mu.Unlock()

	rate := 0.0
	if total > 0 {
		rate = float64(successful) / float64(total) * 100
	}
	c.logger.Infof("%s finished: %d cycles (%d ok, %d failed, %.1f%% success) over %s",
		runID, total, successful, failed, rate, runtime.Round(time.Second))
	c.audit.record("%s summary: total=%d ok=%d failed=%d rate=%.1f%%", runID, total, successful, failed, rate)
}
