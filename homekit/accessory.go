package homekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/google/uuid"
	"github.com/kradalby/esphome-homekit/climate"
	"github.com/kradalby/esphome-homekit/config"
	"go.uber.org/zap"
)

// writeTimeout bounds how long a controller write waits for the device.
const writeTimeout = 10 * time.Second

// accessoryNamespace seeds the stable accessory ids.
var accessoryNamespace = uuid.MustParse("6f1f7c36-1c4c-4d6b-9a53-6a0f3e8a2b11")

// Controller is the set of operations a controller write is routed to.
type Controller interface {
	SetActive(ctx context.Context, on bool) error
	SetTargetState(ctx context.Context, target climate.TargetState) error
	SetCoolingThreshold(ctx context.Context, origin climate.Origin, temp float64) error
	SetHeatingThreshold(ctx context.Context, origin climate.Origin, temp float64) error
	SetSwing(ctx context.Context, on bool) error
	SetFanSpeed(ctx context.Context, percent float64) error
}

// HeaterCooler is the HeaterCooler service. The threshold and swing
// characteristics are nil when the device does not support them.
type HeaterCooler struct {
	*service.S

	Active                      *characteristic.Active
	CurrentHeaterCoolerState    *characteristic.CurrentHeaterCoolerState
	TargetHeaterCoolerState     *characteristic.TargetHeaterCoolerState
	CurrentTemperature          *characteristic.CurrentTemperature
	CoolingThresholdTemperature *characteristic.CoolingThresholdTemperature
	HeatingThresholdTemperature *characteristic.HeatingThresholdTemperature
	RotationSpeed               *characteristic.RotationSpeed
	SwingMode                   *characteristic.SwingMode
}

func newHeaterCooler(caps climate.Capabilities, step float64) *HeaterCooler {
	s := HeaterCooler{}
	s.S = service.New(service.TypeHeaterCooler)

	s.Active = characteristic.NewActive()
	s.AddC(s.Active.C)

	s.CurrentHeaterCoolerState = characteristic.NewCurrentHeaterCoolerState()
	s.AddC(s.CurrentHeaterCoolerState.C)

	s.TargetHeaterCoolerState = characteristic.NewTargetHeaterCoolerState()
	s.TargetHeaterCoolerState.ValidVals = validTargetStates(caps)
	s.AddC(s.TargetHeaterCoolerState.C)

	s.CurrentTemperature = characteristic.NewCurrentTemperature()
	s.CurrentTemperature.SetMinValue(-50)
	s.AddC(s.CurrentTemperature.C)

	lo, hi := caps.MinTemperature, caps.MaxTemperature
	if hi <= lo {
		lo, hi = climate.DefaultMinTemperature, climate.DefaultMaxTemperature
	}
	if step <= 0 {
		step = 1
	}

	if caps.ExposesCooling() {
		s.CoolingThresholdTemperature = characteristic.NewCoolingThresholdTemperature()
		s.CoolingThresholdTemperature.SetMinValue(lo)
		s.CoolingThresholdTemperature.SetMaxValue(hi)
		s.CoolingThresholdTemperature.SetStepValue(step)
		s.CoolingThresholdTemperature.SetValue(hi)
		s.AddC(s.CoolingThresholdTemperature.C)
	}

	if caps.ExposesHeating() {
		s.HeatingThresholdTemperature = characteristic.NewHeatingThresholdTemperature()
		s.HeatingThresholdTemperature.SetMinValue(lo)
		s.HeatingThresholdTemperature.SetMaxValue(hi)
		s.HeatingThresholdTemperature.SetStepValue(step)
		s.HeatingThresholdTemperature.SetValue(lo)
		s.AddC(s.HeatingThresholdTemperature.C)
	}

	s.RotationSpeed = characteristic.NewRotationSpeed()
	s.RotationSpeed.SetStepValue(25)
	s.AddC(s.RotationSpeed.C)

	if _, ok := caps.SwingOnValue(); ok {
		s.SwingMode = characteristic.NewSwingMode()
		s.AddC(s.SwingMode.C)
	}

	return &s
}

func validTargetStates(caps climate.Capabilities) []int {
	var vals []int
	for _, target := range []climate.TargetState{climate.TargetAuto, climate.TargetHeat, climate.TargetCool} {
		mode, _ := climate.ModeForTargetState(target)
		if caps.SupportsMode(mode) {
			vals = append(vals, int(target))
		}
	}
	return vals
}

// Accessory is the HomeKit face of one ESPHome climate device.
type Accessory struct {
	*accessory.A
	HeaterCooler *HeaterCooler

	uniqueID string
	logger   *zap.Logger
	ctx      context.Context

	mu         sync.RWMutex
	controller Controller
}

// NewAccessory builds the accessory for dev. Controller writes fail with
// climate.ErrDeviceUnreachable until Bind is called.
func NewAccessory(ctx context.Context, dev config.Device, logger *zap.Logger) (*Accessory, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if dev.UniqueID == "" {
		return nil, fmt.Errorf("device unique id is required")
	}

	info := accessory.Info{
		Name:         dev.Name,
		Manufacturer: "ESPHome",
		Model:        "Climate",
		SerialNumber: dev.UniqueID,
	}

	a := &Accessory{
		A:        accessory.New(info, accessory.TypeAirConditioner),
		uniqueID: dev.UniqueID,
		logger:   logger.With(zap.String("accessory", dev.Name)),
		ctx:      ctx,
	}
	a.Id = AccessoryID(dev.UniqueID)

	a.HeaterCooler = newHeaterCooler(dev.Capabilities(), dev.VisualTargetTemperatureStep)
	a.AddS(a.HeaterCooler.S)

	a.setupCallbacks()

	return a, nil
}

// AccessoryID derives the stable HAP accessory id for a unique id.
// Ids 0 and 1 are reserved for the bridge.
func AccessoryID(uniqueID string) uint64 {
	u := uuid.NewSHA1(accessoryNamespace, []byte(uniqueID+"_v2"))
	id := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:])
	if id <= 1 {
		id += 2
	}
	return id
}

// UniqueID returns the device unique id.
func (a *Accessory) UniqueID() string {
	return a.uniqueID
}

// Bind routes controller writes to c.
func (a *Accessory) Bind(c Controller) {
	a.mu.Lock()
	a.controller = c
	a.mu.Unlock()
}

// SetFirmware updates the reported firmware revision.
func (a *Accessory) SetFirmware(version string) {
	a.Info.FirmwareRevision.SetValue(version)
}

func (a *Accessory) setupCallbacks() {
	hc := a.HeaterCooler

	hc.Active.OnSetRemoteValue(func(v int) error {
		a.logger.Info("active changed via HomeKit", zap.Int("active", v))
		return a.call(func(ctx context.Context, c Controller) error {
			return c.SetActive(ctx, v == characteristic.ActiveActive)
		})
	})

	// hap drops a write equal to the current value, so AUTO while the
	// device is in FAN_ONLY or DRY never arrives here.
	hc.TargetHeaterCoolerState.OnSetRemoteValue(func(v int) error {
		a.logger.Info("target state changed via HomeKit", zap.Int("state", v))
		return a.call(func(ctx context.Context, c Controller) error {
			return c.SetTargetState(ctx, climate.TargetState(v))
		})
	})

	if hc.CoolingThresholdTemperature != nil {
		hc.CoolingThresholdTemperature.OnSetRemoteValue(func(v float64) error {
			a.logger.Info("cooling threshold changed via HomeKit", zap.Float64("temperature", v))
			return a.call(func(ctx context.Context, c Controller) error {
				return c.SetCoolingThreshold(ctx, climate.OriginUser, v)
			})
		})
	}

	if hc.HeatingThresholdTemperature != nil {
		hc.HeatingThresholdTemperature.OnSetRemoteValue(func(v float64) error {
			a.logger.Info("heating threshold changed via HomeKit", zap.Float64("temperature", v))
			return a.call(func(ctx context.Context, c Controller) error {
				return c.SetHeatingThreshold(ctx, climate.OriginUser, v)
			})
		})
	}

	hc.RotationSpeed.OnSetRemoteValue(func(v float64) error {
		a.logger.Info("rotation speed changed via HomeKit", zap.Float64("percent", v))
		return a.call(func(ctx context.Context, c Controller) error {
			return c.SetFanSpeed(ctx, v)
		})
	})

	if hc.SwingMode != nil {
		hc.SwingMode.OnSetRemoteValue(func(v int) error {
			a.logger.Info("swing changed via HomeKit", zap.Int("swing", v))
			return a.call(func(ctx context.Context, c Controller) error {
				return c.SetSwing(ctx, v == characteristic.SwingModeSwingEnabled)
			})
		})
	}
}

// call runs fn against the bound controller. A non-nil error makes the
// controller show the accessory as not responding.
func (a *Accessory) call(fn func(context.Context, Controller) error) error {
	a.mu.RLock()
	c := a.controller
	a.mu.RUnlock()

	if c == nil {
		return climate.ErrDeviceUnreachable
	}

	ctx, cancel := context.WithTimeout(a.ctx, writeTimeout)
	defer cancel()

	if err := fn(ctx, c); err != nil {
		a.logger.Warn("write rejected", zap.Error(err))
		return err
	}
	return nil
}

// UpdateActive implements climate.UISink.
func (a *Accessory) UpdateActive(active bool) {
	v := characteristic.ActiveInactive
	if active {
		v = characteristic.ActiveActive
	}
	_ = a.HeaterCooler.Active.SetValue(v)
}

// UpdateTargetState implements climate.UISink.
func (a *Accessory) UpdateTargetState(state climate.TargetState) {
	_ = a.HeaterCooler.TargetHeaterCoolerState.SetValue(int(state))
}

// UpdateCurrentState implements climate.UISink.
func (a *Accessory) UpdateCurrentState(state climate.CurrentState) {
	_ = a.HeaterCooler.CurrentHeaterCoolerState.SetValue(int(state))
}

// UpdateCurrentTemperature implements climate.UISink.
func (a *Accessory) UpdateCurrentTemperature(temp float64) {
	a.HeaterCooler.CurrentTemperature.SetValue(temp)
}

// UpdateCoolingThreshold implements climate.UISink.
func (a *Accessory) UpdateCoolingThreshold(temp float64) {
	if a.HeaterCooler.CoolingThresholdTemperature != nil {
		a.HeaterCooler.CoolingThresholdTemperature.SetValue(temp)
	}
}

// UpdateHeatingThreshold implements climate.UISink.
func (a *Accessory) UpdateHeatingThreshold(temp float64) {
	if a.HeaterCooler.HeatingThresholdTemperature != nil {
		a.HeaterCooler.HeatingThresholdTemperature.SetValue(temp)
	}
}

// UpdateSwing implements climate.UISink.
func (a *Accessory) UpdateSwing(on bool) {
	if a.HeaterCooler.SwingMode == nil {
		return
	}
	v := characteristic.SwingModeSwingDisabled
	if on {
		v = characteristic.SwingModeSwingEnabled
	}
	_ = a.HeaterCooler.SwingMode.SetValue(v)
}

// UpdateFanSpeed implements climate.UISink.
func (a *Accessory) UpdateFanSpeed(percent float64) {
	a.HeaterCooler.RotationSpeed.SetValue(percent)
}
