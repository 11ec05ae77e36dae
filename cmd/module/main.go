package main

import (
	"lockercycletest"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: lockercycletest.Controller},
		resource.APIModel{API: sensor.API, Model: lockercycletest.CycleSensor},
		resource.APIModel{API: sensor.API, Model: lockercycletest.StatsSensor},
		resource.APIModel{API: sensor.API, Model: lockercycletest.LockerSensor},
	)
}
