package lockercycletest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	goutils "go.viam.com/utils"
)

var LockerSensor = resource.NewModel("viamdemo", "locker-cycle-test", "locker-sensor")

func init() {
	resource.RegisterComponent(sensor.API, LockerSensor,
		resource.Registration[sensor.Sensor, *LockerSensorConfig]{
			Constructor: newLockerSensor,
		},
	)
}

type LockerSensorConfig struct {
	Address        string `json:"address"`
	Password       string `json:"password"`
	Locker         int    `json:"locker"`
	UseMockLocker  bool   `json:"use_mock_locker,omitempty"` // optional: simulate a door instead of polling hardware
	PollIntervalMs int    `json:"poll_interval_ms,omitempty"`
}

func (cfg *LockerSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Locker <= 0 {
		return nil, nil, fmt.Errorf("%s: locker must be a positive locker index", path)
	}
	if !cfg.UseMockLocker {
		if cfg.Address == "" {
			return nil, nil, fmt.Errorf("%s: address is required", path)
		}
		if cfg.Password == "" {
			return nil, nil, fmt.Errorf("%s: password is required", path)
		}
	}
	return nil, nil, nil
}

// doorReader abstracts door reading for mock vs hardware implementations
type doorReader interface {
	ReadDoor(ctx context.Context) (DoorState, OccupancyState, error)
}

// mockDoorReader simulates a locker door that tests and demos can toggle.
type mockDoorReader struct {
	mu        sync.Mutex
	door      DoorState
	occupancy OccupancyState
}

func newMockDoorReader() *mockDoorReader {
	return &mockDoorReader{door: DoorClosed, occupancy: OccupancyEmpty}
}

func (m *mockDoorReader) ReadDoor(ctx context.Context) (DoorState, OccupancyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.door, m.occupancy, nil
}

func (m *mockDoorReader) SetDoor(door DoorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.door = door
}

// clientDoorReader reads one locker's door through the controller HTTP API,
// logging in on demand when the session lapses.
type clientDoorReader struct {
	client *LockerClient
	index  int
}

func newClientDoorReader(client *LockerClient, index int) *clientDoorReader {
	return &clientDoorReader{client: client, index: index}
}

func (r *clientDoorReader) ReadDoor(ctx context.Context) (DoorState, OccupancyState, error) {
	if !r.client.LoggedIn() {
		if err := r.client.Login(ctx); err != nil {
			return DoorUnknown, OccupancyUnknown, err
		}
	}
	status, err := r.client.Status(ctx)
	if err != nil {
		return DoorUnknown, OccupancyUnknown, err
	}
	info, ok := status.Lockers[strconv.Itoa(r.index)]
	if !ok {
		return DoorUnknown, OccupancyUnknown, fmt.Errorf("locker %d not present in status", r.index)
	}
	door := DoorClosed
	if info.DoorOpen {
		door = DoorOpen
	}
	occupancy := info.SensorStatus
	if occupancy != OccupancyEmpty && occupancy != OccupancyOccupied {
		occupancy = OccupancyUnknown
	}
	return door, occupancy, nil
}

type lockerDoorSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader doorReader

	interval time.Duration

	cancelCtx  context.Context
	cancelFunc func()
	done       chan struct{}

	mu               sync.Mutex
	door             DoorState
	occupancy        OccupancyState
	reachable        bool
	openTransitions  int
	closeTransitions int
	lastChange       time.Time
	lastErr          string
	errLogged        bool
}

func newLockerSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*LockerSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	interval := conf.PollIntervalMs
	if interval <= 0 {
		interval = 1000
	}

	var reader doorReader
	if conf.UseMockLocker {
		reader = newMockDoorReader()
		logger.Infof("locker-sensor using mock door (use_mock_locker=true)")
	} else {
		reader = newClientDoorReader(NewLockerClient(conf.Address, conf.Password), conf.Locker)
		logger.Infof("locker-sensor polling locker %d at %s", conf.Locker, conf.Address)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	ls := &lockerDoorSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		reader:     reader,
		interval:   time.Duration(interval) * time.Millisecond,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		done:       make(chan struct{}),
		door:       DoorUnknown,
		occupancy:  OccupancyUnknown,
	}

	goutils.PanicCapturingGo(ls.pollLoop)

	return ls, nil
}

func (ls *lockerDoorSensor) pollLoop() {
	defer close(ls.done)
	for {
		ls.poll(ls.cancelCtx)
		if !goutils.SelectContextOrWait(ls.cancelCtx, ls.interval) {
			return
		}
	}
}

// poll folds one door reading into the tracked state, counting open and
// close transitions.
func (ls *lockerDoorSensor) poll(ctx context.Context) {
	door, occupancy, err := ls.reader.ReadDoor(ctx)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if err != nil {
		ls.reachable = false
		ls.lastErr = err.Error()
		ls.door = DoorUnknown
		ls.occupancy = OccupancyUnknown
		if !ls.errLogged {
			ls.logger.Warnf("locker unreachable: %v", err)
			ls.errLogged = true
		}
		return
	}

	if ls.door == DoorClosed && door == DoorOpen {
		ls.openTransitions++
		ls.lastChange = time.Now()
	} else if ls.door == DoorOpen && door == DoorClosed {
		ls.closeTransitions++
		ls.lastChange = time.Now()
	}
	ls.door = door
	ls.occupancy = occupancy
	ls.reachable = true
	ls.lastErr = ""
	ls.errLogged = false
}

func (ls *lockerDoorSensor) Name() resource.Name {
	return ls.name
}

func (ls *lockerDoorSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	result := map[string]interface{}{
		"door_state":        string(ls.door),
		"sensor_status":     string(ls.occupancy),
		"reachable":         ls.reachable,
		"open_transitions":  ls.openTransitions,
		"close_transitions": ls.closeTransitions,
	}
	if !ls.lastChange.IsZero() {
		result["last_change"] = ls.lastChange.UTC().Format(time.RFC3339)
	}
	if ls.lastErr != "" {
		result["last_error"] = ls.lastErr
	}
	return result, nil
}

func (ls *lockerDoorSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "refresh":
		ls.poll(ctx)
		return ls.Readings(ctx, nil)
	case "set_door":
		return ls.handleSetDoor(ctx, cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ls *lockerDoorSensor) handleSetDoor(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	mock, ok := ls.reader.(*mockDoorReader)
	if !ok {
		return nil, fmt.Errorf("set_door only supported with use_mock_locker")
	}
	doorStr, ok := cmd["door"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'door' field")
	}
	door := DoorState(doorStr)
	if door != DoorOpen && door != DoorClosed {
		return nil, fmt.Errorf("door must be %q or %q", DoorOpen, DoorClosed)
	}
	mock.SetDoor(door)
	ls.poll(ctx)
	return ls.Readings(ctx, nil)
}

func (ls *lockerDoorSensor) Close(context.Context) error {
	ls.cancelFunc()
	<-ls.done
	return nil
}
