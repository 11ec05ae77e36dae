package lockercycletest

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var StatsSensor = resource.NewModel("viamdemo", "locker-cycle-test", "stats-sensor")

func init() {
	resource.RegisterComponent(sensor.API, StatsSensor,
		resource.Registration[sensor.Sensor, *StatsSensorConfig]{
			Constructor: newStatsSensor,
		},
	)
}

type StatsSensorConfig struct {
	Controller string `json:"controller"`
}

func (cfg *StatsSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	// Return full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Controller)
	return []string{dep.String()}, nil, nil
}

type statsProvider interface {
	GetStatistics() map[string]interface{}
}

// statsSensor exposes the controller's aggregate counters and duration
// statistics as sensor readings.
type statsSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	controller statsProvider
}

func newStatsSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StatsSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	controllerName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Controller)
	ctrl, ok := deps[controllerName]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}

	provider, ok := ctrl.(statsProvider)
	if !ok {
		return nil, fmt.Errorf("controller %q does not implement GetStatistics", conf.Controller)
	}

	return &statsSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		controller: provider,
	}, nil
}

func (s *statsSensor) Name() resource.Name {
	return s.name
}

func (s *statsSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s.controller.GetStatistics(), nil
}

func (s *statsSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on stats-sensor")
}

func (s *statsSensor) Close(context.Context) error {
	return nil
}
