package esphome

import (
	"fmt"
	"math"
	"strings"

	"github.com/kradalby/esphome-homekit/climate"
	"google.golang.org/protobuf/encoding/protowire"
)

// Native API message types.
const (
	msgHelloRequest           uint16 = 1
	msgHelloResponse          uint16 = 2
	msgConnectRequest         uint16 = 3
	msgConnectResponse        uint16 = 4
	msgDisconnectRequest      uint16 = 5
	msgDisconnectResponse     uint16 = 6
	msgPingRequest            uint16 = 7
	msgPingResponse           uint16 = 8
	msgDeviceInfoRequest      uint16 = 9
	msgDeviceInfoResponse     uint16 = 10
	msgListEntitiesRequest    uint16 = 11
	msgListEntitiesDone       uint16 = 19
	msgSubscribeStatesRequest uint16 = 20
	msgListEntitiesClimate    uint16 = 46
	msgClimateState           uint16 = 47
	msgClimateCommand         uint16 = 48
)

// API version announced in the hello request.
const (
	apiVersionMajor = 1
	apiVersionMinor = 10
)

type helloRequest struct {
	ClientInfo string
}

func (m helloRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ClientInfo)
	b = appendVarint(b, 2, apiVersionMajor)
	b = appendVarint(b, 3, apiVersionMinor)
	return b
}

type helloResponse struct {
	APIVersionMajor uint32
	APIVersionMinor uint32
	ServerInfo      string
	Name            string
}

func decodeHelloResponse(b []byte) (helloResponse, error) {
	var m helloResponse
	err := walkFields(b, func(f rawField) {
		switch f.num {
		case 1:
			m.APIVersionMajor = uint32(f.value)
		case 2:
			m.APIVersionMinor = uint32(f.value)
		case 3:
			m.ServerInfo = string(f.bytes)
		case 4:
			m.Name = string(f.bytes)
		}
	})
	return m, err
}

type connectResponse struct {
	InvalidPassword bool
}

func decodeConnectResponse(b []byte) (connectResponse, error) {
	var m connectResponse
	err := walkFields(b, func(f rawField) {
		if f.num == 1 {
			m.InvalidPassword = f.value != 0
		}
	})
	return m, err
}

type deviceInfo struct {
	Name           string
	MACAddress     string
	ESPHomeVersion string
	Model          string
}

func decodeDeviceInfo(b []byte) (deviceInfo, error) {
	var m deviceInfo
	err := walkFields(b, func(f rawField) {
		switch f.num {
		case 2:
			m.Name = string(f.bytes)
		case 3:
			m.MACAddress = string(f.bytes)
		case 4:
			m.ESPHomeVersion = string(f.bytes)
		case 6:
			m.Model = string(f.bytes)
		}
	})
	return m, err
}

// climateEntity is a ListEntitiesClimateResponse.
type climateEntity struct {
	ObjectID       string
	Key            uint32
	Name           string
	Modes          []climate.Mode
	FanModes       []climate.FanMode
	CustomFanModes []string
	SwingModes     []climate.SwingMode
	MinTemperature float64
	MaxTemperature float64
	Step           float64
}

func decodeClimateEntity(b []byte) (climateEntity, error) {
	var m climateEntity
	err := walkFields(b, func(f rawField) {
		switch f.num {
		case 1:
			m.ObjectID = string(f.bytes)
		case 2:
			m.Key = uint32(f.value)
		case 3:
			m.Name = string(f.bytes)
		case 7:
			for _, v := range f.varints() {
				m.Modes = append(m.Modes, climate.Mode(v))
			}
		case 8:
			m.MinTemperature = f.float()
		case 9:
			m.MaxTemperature = f.float()
		case 10:
			m.Step = f.float()
		case 13:
			for _, v := range f.varints() {
				m.FanModes = append(m.FanModes, climate.FanMode(v))
			}
		case 14:
			for _, v := range f.varints() {
				m.SwingModes = append(m.SwingModes, climate.SwingMode(v))
			}
		case 15:
			m.CustomFanModes = append(m.CustomFanModes, string(f.bytes))
		}
	})
	return m, err
}

// customFanName returns the device's spelling of a custom fan mode.
func (e climateEntity) customFanName(f climate.FanMode) string {
	for _, name := range e.CustomFanModes {
		if strings.EqualFold(name, f.String()) {
			return name
		}
	}
	return f.String()
}

// climateStateResponse is a ClimateStateResponse.
type climateStateResponse struct {
	Key                uint32
	Mode               climate.Mode
	CurrentTemperature float64
	TargetTemperature  float64
	FanMode            climate.FanMode
	SwingMode          climate.SwingMode
	CustomFanMode      string
}

func decodeClimateState(b []byte) (climateStateResponse, error) {
	var m climateStateResponse
	err := walkFields(b, func(f rawField) {
		switch f.num {
		case 1:
			m.Key = uint32(f.value)
		case 2:
			m.Mode = climate.Mode(f.value)
		case 3:
			m.CurrentTemperature = f.float()
		case 4:
			m.TargetTemperature = f.float()
		case 9:
			m.FanMode = climate.FanMode(f.value)
		case 10:
			m.SwingMode = climate.SwingMode(f.value)
		case 11:
			m.CustomFanMode = string(f.bytes)
		}
	})
	return m, err
}

// state converts m to a climate snapshot. Proto3 omits zero values, so an
// absent fan mode reads as FanOn and only counts when the device has fan
// modes.
func (m climateStateResponse) state(caps climate.Capabilities) climate.State {
	s := climate.State{
		Mode:               m.Mode,
		SwingMode:          m.SwingMode,
		TargetTemperature:  temperature(m.TargetTemperature),
		CurrentTemperature: temperature(m.CurrentTemperature),
	}

	switch {
	case m.CustomFanMode != "":
		if f, err := DecodeFanMode(m.CustomFanMode); err == nil {
			s.CustomFanMode = &f
		}
	case len(caps.FanModes) > 0:
		f := m.FanMode
		s.FanMode = &f
	}
	return s
}

// temperature drops missing readings and the float32 noise of the wire
// format.
func temperature(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return climate.Ptr(math.Round(v*100) / 100)
}

// climateCommand is a ClimateCommandRequest. Nil fields are not sent.
type climateCommand struct {
	Key               uint32
	Mode              *climate.Mode
	TargetTemperature *float64
	FanMode           *climate.FanMode
	SwingMode         *climate.SwingMode
	CustomFanMode     *string
}

func (m climateCommand) marshal() []byte {
	var b []byte
	b = appendFixed32(b, 1, m.Key)
	if m.Mode != nil {
		b = appendBool(b, 2, true)
		b = appendVarint(b, 3, uint64(*m.Mode))
	}
	if m.TargetTemperature != nil {
		b = appendBool(b, 4, true)
		b = appendFixed32(b, 5, math.Float32bits(float32(*m.TargetTemperature)))
	}
	if m.FanMode != nil {
		b = appendBool(b, 12, true)
		b = appendVarint(b, 13, uint64(*m.FanMode))
	}
	if m.SwingMode != nil {
		b = appendBool(b, 14, true)
		b = appendVarint(b, 15, uint64(*m.SwingMode))
	}
	if m.CustomFanMode != nil {
		b = appendBool(b, 16, true)
		b = appendString(b, 17, *m.CustomFanMode)
	}
	return b
}

// Proto3 leaves zero values off the wire.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// rawField is one decoded field. value holds varint and fixed32 payloads,
// bytes holds length delimited ones.
type rawField struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64
	bytes []byte
}

func (f rawField) float() float64 {
	return float64(math.Float32frombits(uint32(f.value)))
}

// varints returns the values of a repeated varint field, packed or not.
func (f rawField) varints() []uint64 {
	if f.typ == protowire.VarintType {
		return []uint64{f.value}
	}
	var out []uint64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return out
		}
		out = append(out, v)
		b = b[n:]
	}
	return out
}

// walkFields calls fn for every field of a protobuf message.
func walkFields(b []byte, fn func(rawField)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]

		f := rawField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		fn(f)
	}
	return nil
}
