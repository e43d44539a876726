package main

import (
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	urRtde "ur_rtde"
)

func main() {
	// ModularMain can take multiple APIModel arguments, if your module implements multiple models.
	module.ModularMain(
		resource.APIModel{API: arm.API, Model: urRtde.ArmModel},
		resource.APIModel{API: gripper.API, Model: urRtde.GripperModel},
		resource.APIModel{API: sensor.API, Model: urRtde.TelemetryModel},
		resource.APIModel{API: discovery.API, Model: urRtde.DiscoveryModel},
	)
}
