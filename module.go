package lockercycletest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"
)

var Controller = resource.NewModel("viamdemo", "locker-cycle-test", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newLockerCycleTestController,
		},
	)
}

type Config struct {
	Arm            string `json:"arm"`
	LockerAddress  string `json:"locker_address"`
	LockerPassword string `json:"locker_password"`
	TargetLocker   int    `json:"target_locker"`

	MonitorPort  int    `json:"monitor_port,omitempty"` // 0 disables the monitor page
	AuditLogPath string `json:"audit_log_path,omitempty"`
	AutoStart    bool   `json:"auto_start,omitempty"`

	Sequence []string             `json:"sequence,omitempty"`
	Poses    map[string][]float64 `json:"poses,omitempty"` // joint angles in degrees

	SpeedDegsPerSec   float64 `json:"speed_degs_per_sec,omitempty"`
	AccelDegsPerSec2  float64 `json:"accel_degs_per_sec2,omitempty"`
	JointToleranceDeg float64 `json:"joint_tolerance_deg,omitempty"`

	OpenTimeoutSec    float64 `json:"open_timeout_sec,omitempty"`
	CloseTimeoutSec   float64 `json:"close_timeout_sec,omitempty"`
	PollIntervalMs    int     `json:"poll_interval_ms,omitempty"`
	OpenRetries       int     `json:"open_retries,omitempty"`
	RetryDelaySec     float64 `json:"retry_delay_sec,omitempty"`
	ReconnectDelaySec float64 `json:"reconnect_delay_sec,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, fmt.Errorf("%s: arm is required", path)
	}
	if cfg.LockerAddress == "" {
		return nil, nil, fmt.Errorf("%s: locker_address is required", path)
	}
	if cfg.LockerPassword == "" {
		return nil, nil, fmt.Errorf("%s: locker_password is required", path)
	}
	if cfg.TargetLocker <= 0 {
		return nil, nil, fmt.Errorf("%s: target_locker must be a positive locker index", path)
	}
	sequence, poses := cfg.motionPlan()
	jointCount := -1
	for name, angles := range poses {
		if len(angles) == 0 {
			return nil, nil, fmt.Errorf("%s: pose %q has no joint angles", path, name)
		}
		if jointCount == -1 {
			jointCount = len(angles)
		} else if len(angles) != jointCount {
			return nil, nil, fmt.Errorf("%s: pose %q has %d joints, other poses have %d", path, name, len(angles), jointCount)
		}
	}
	for _, name := range sequence {
		if _, ok := poses[name]; !ok {
			return nil, nil, fmt.Errorf("%s: sequence pose %q is not defined in poses", path, name)
		}
	}
	return []string{cfg.Arm}, nil, nil
}

// motionPlan resolves the configured sequence and pose table, falling back
// to the deployment defaults.
func (cfg *Config) motionPlan() ([]string, map[string][]float64) {
	sequence := cfg.Sequence
	if len(sequence) == 0 {
		sequence = defaultSequence
	}
	poses := cfg.Poses
	if len(poses) == 0 {
		poses = defaultPoses
	}
	return sequence, poses
}

// lockerAPI is the slice of LockerClient the controller drives, split out so
// cycle tests can substitute an in-memory locker.
type lockerAPI interface {
	Login(ctx context.Context) error
	Open(ctx context.Context, index int) error
	Status(ctx context.Context) (*LockerStatus, error)
	DoorState(ctx context.Context, index int) (DoorState, error)
}

type lockerCycleTestController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	arm     arm.Arm
	locker  lockerAPI
	seq     *sequencer
	audit   *auditLogger
	monitor *monitorServer

	target int
	timing cycleTiming

	snap atomic.Pointer[statusSnapshot]

	cancelCtx  context.Context
	cancelFunc func()

	mu              sync.Mutex
	busy            bool
	activeRun       *cycleRun
	startedAt       time.Time
	cycleCount      int
	successful      int
	failed          int
	history         []CycleRecord
	serverConnected bool
	robotConnected  bool
}

// cycleRun identifies one started cycle loop.
type cycleRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func newLockerCycleTestController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

// NewController builds the controller without starting the cycle loop or
// touching the locker. The start command (or auto_start) begins cycling.
func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	a, err := arm.FromDependencies(deps, conf.Arm)
	if err != nil {
		return nil, fmt.Errorf("getting arm: %w", err)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sequence, poses := conf.motionPlan()

	c := &lockerCycleTestController{
		name:       name,
		logger:     logger,
		cfg:        conf,
		arm:        a,
		locker:     NewLockerClient(conf.LockerAddress, conf.LockerPassword),
		target:     conf.TargetLocker,
		timing:     timingFromConfig(conf),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		startedAt:  time.Now(),
	}
	c.seq = newSequencer(a, logger, sequence, poses,
		valueOrDefault(conf.SpeedDegsPerSec, defaultSpeedDegsPerSec),
		valueOrDefault(conf.AccelDegsPerSec2, defaultAccelDegsPerSec2),
		valueOrDefault(conf.JointToleranceDeg, defaultJointToleranceDeg))
	if conf.AuditLogPath != "" {
		c.audit = newAuditLogger(conf.AuditLogPath)
	}
	c.snap.Store(&statusSnapshot{CurrentCycle: initialRecord(), RecentCycles: []CycleRecord{}})

	if conf.MonitorPort > 0 {
		c.monitor = newMonitorServer(conf.MonitorPort, conf.TargetLocker, c.snapshot, logger)
		c.monitor.start()
	}

	if conf.AutoStart {
		if _, err := c.handleStart(ctx); err != nil {
			logger.Errorf("auto start failed: %v", err)
		}
	}

	return c, nil
}

func (c *lockerCycleTestController) Name() resource.Name {
	return c.name
}

func (c *lockerCycleTestController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return c.handleStart(ctx)
	case "stop":
		return c.handleStop(ctx)
	case "status":
		return c.GetState(), nil
	case "stats":
		return c.statisticsSummary(), nil
	case "execute_cycle":
		return c.handleExecuteCycle(ctx)
	case "emergency_stop":
		return c.handleEmergencyStop(ctx)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (c *lockerCycleTestController) handleStart(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	if c.busy {
		run := c.activeRun
		c.mu.Unlock()
		if run != nil {
			return nil, fmt.Errorf("cycle loop already running (%s)", run.id)
		}
		return nil, fmt.Errorf("a cycle is already executing")
	}
	runCtx, cancel := context.WithCancel(c.cancelCtx)
	run := &cycleRun{
		id:     "run-" + time.Now().Format("20060102-150405"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.busy = true
	c.activeRun = run
	c.mu.Unlock()

	c.logger.Infof("%s: cycle loop starting", run.id)
	c.audit.record("%s started", run.id)
	goutils.PanicCapturingGo(func() {
		defer close(run.done)
		c.runLoop(runCtx, run.id)
	})
	c.publishCurrent()

	return map[string]interface{}{"status": "started", "run_id": run.id}, nil
}

// handleStop cancels the loop and waits for it to exit at its next safe
// checkpoint, then reports final statistics for the run.
func (c *lockerCycleTestController) handleStop(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	run := c.activeRun
	c.mu.Unlock()
	if run == nil {
		return nil, fmt.Errorf("cycle loop is not running")
	}

	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for cycle loop to stop: %w", ctx.Err())
	}
	c.audit.record("%s stopped", run.id)

	summary := c.statisticsSummary()
	summary["status"] = "stopped"
	summary["run_id"] = run.id
	return summary, nil
}

// handleExecuteCycle runs exactly one cycle synchronously. A failed cycle is
// a valid command result; the error return is for not being able to run.
func (c *lockerCycleTestController) handleExecuteCycle(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("cycle loop is running, stop it before executing a single cycle")
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	if !c.collaboratorsReady(ctx) {
		return nil, fmt.Errorf("locker or arm unreachable, cannot start a cycle")
	}
	rec := c.executeCycle(ctx)
	return rec.asMap(), nil
}

// handleEmergencyStop cancels the loop without waiting for a checkpoint and
// commands the arm to halt immediately.
func (c *lockerCycleTestController) handleEmergencyStop(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	run := c.activeRun
	c.mu.Unlock()
	if run != nil {
		run.cancel()
	}

	c.logger.Warnf("emergency stop: halting arm")
	c.audit.record("emergency stop requested")
	if err := c.arm.Stop(ctx, nil); err != nil {
		return nil, fmt.Errorf("stopping arm: %w", err)
	}
	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]interface{}{"status": "stopped", "arm_halted": true}, nil
}

// GetState returns the latest status snapshot in the monitor wire shape.
func (c *lockerCycleTestController) GetState() map[string]interface{} {
	return c.snapshot().asMap()
}

// GetStatistics returns counters, success rate, and duration aggregates.
func (c *lockerCycleTestController) GetStatistics() map[string]interface{} {
	return c.statisticsSummary()
}

// snapshot returns the latest published status. Never nil.
func (c *lockerCycleTestController) snapshot() *statusSnapshot {
	return c.snap.Load()
}

// publish composes and atomically replaces the status snapshot; rec becomes
// the snapshot's current cycle. The cycle loop is the only writer while a
// run is active, so readers always see a complete snapshot.
func (c *lockerCycleTestController) publish(rec CycleRecord) {
	c.mu.Lock()
	snap := &statusSnapshot{
		Running:          c.activeRun != nil,
		CycleCount:       c.cycleCount,
		SuccessfulCycles: c.successful,
		FailedCycles:     c.failed,
		ServerConnected:  c.serverConnected,
		RobotConnected:   c.robotConnected,
		CurrentCycle:     rec,
		RecentCycles:     recentOf(c.history),
	}
	c.mu.Unlock()
	c.snap.Store(snap)
}

// publishCurrent republishes bookkeeping changes, keeping the current cycle.
func (c *lockerCycleTestController) publishCurrent() {
	c.publish(c.snap.Load().CurrentCycle)
}

func (c *lockerCycleTestController) Close(ctx context.Context) error {
	c.cancelFunc()
	c.mu.Lock()
	run := c.activeRun
	c.mu.Unlock()
	if run != nil {
		<-run.done
	}

	var monitorErr error
	if c.monitor != nil {
		monitorErr = c.monitor.Shutdown(ctx)
	}
	return multierr.Combine(monitorErr, c.audit.Close())
}

func valueOrDefault(v, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	return v
}
