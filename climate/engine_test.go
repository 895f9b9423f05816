package climate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testDelay = 20 * time.Millisecond

type fakeSender struct {
	mu   sync.Mutex
	sent []State
	err  error
}

func (f *fakeSender) Send(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeSender) commands() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]State(nil), f.sent...)
}

type recordingSink struct {
	mu           sync.Mutex
	active       *bool
	target       *TargetState
	current      *CurrentState
	currentTemp  *float64
	cooling      *float64
	heating      *float64
	swing        *bool
	fan          *float64
	thresholdSet int
}

func (r *recordingSink) UpdateActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = &active
}

func (r *recordingSink) UpdateTargetState(state TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = &state
}

func (r *recordingSink) UpdateCurrentState(state CurrentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &state
}

func (r *recordingSink) UpdateCurrentTemperature(temp float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentTemp = &temp
}

func (r *recordingSink) UpdateCoolingThreshold(temp float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooling = &temp
	r.thresholdSet++
}

func (r *recordingSink) UpdateHeatingThreshold(temp float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heating = &temp
	r.thresholdSet++
}

func (r *recordingSink) UpdateSwing(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swing = &on
}

func (r *recordingSink) UpdateFanSpeed(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fan = &percent
}

func (r *recordingSink) thresholds() (heating, cooling *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePtr(r.heating), clonePtr(r.cooling)
}

func testCapabilities() Capabilities {
	return Capabilities{
		Modes:          []Mode{ModeAuto, ModeCool, ModeHeat},
		FanModes:       []FanMode{FanAuto, FanLow, FanMedium, FanHigh},
		SwingModes:     []SwingMode{SwingOff, SwingBoth},
		MinTemperature: 16,
		MaxTemperature: 30,
		AutoLow:        20,
		AutoHigh:       24,
	}
}

// newTestEngine returns a connected engine that has seen initial.
func newTestEngine(t *testing.T, caps Capabilities, initial State, opts Options) (*Engine, *fakeSender, *recordingSink) {
	t.Helper()

	sender := &fakeSender{}
	sink := &recordingSink{}

	opts.Name = "test-ac"
	opts.Capabilities = caps
	if opts.SetDelay == 0 {
		opts.SetDelay = testDelay
	}

	engine, err := New(sender, sink, zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	engine.ApplyDevicePush(initial)
	engine.SetConnected(true)

	return engine, sender, sink
}

func TestNewRequiresDependencies(t *testing.T) {
	logger := zap.NewNop()

	if _, err := New(nil, &recordingSink{}, logger, Options{}); err == nil {
		t.Error("New(nil sender) expected error, got nil")
	}
	if _, err := New(&fakeSender{}, nil, logger, Options{}); err == nil {
		t.Error("New(nil sink) expected error, got nil")
	}
	if _, err := New(&fakeSender{}, &recordingSink{}, nil, Options{}); err == nil {
		t.Error("New(nil logger) expected error, got nil")
	}
}

func TestRejectsBeforeFirstSnapshot(t *testing.T) {
	sender := &fakeSender{}
	engine, err := New(sender, &recordingSink{}, zap.NewNop(), Options{
		Capabilities: testCapabilities(),
		SetDelay:     testDelay,
		LastTarget:   ModeCool,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	engine.SetConnected(true)

	err = engine.SetActive(context.Background(), true)
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("SetActive() error = %v, want %v", err, ErrDeviceUnreachable)
	}
	if got := len(sender.commands()); got != 0 {
		t.Errorf("sent %d commands, want 0", got)
	}
}

func TestSetTargetStateAuto(t *testing.T) {
	engine, sender, sink := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(25.0)}, Options{})
	ctx := context.Background()

	if err := engine.SetTargetState(ctx, TargetAuto); err != nil {
		t.Fatalf("SetTargetState(auto) error = %v", err)
	}

	cmds := sender.commands()
	if len(cmds) != 1 {
		t.Fatalf("sent %d commands, want 1 (seed and final coalesce)", len(cmds))
	}
	want := State{Mode: ModeAuto, TargetTemperature: Ptr(22.0)}
	if diff := cmp.Diff(want, cmds[0]); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	heating, cooling := sink.thresholds()
	if heating == nil || *heating != 20 {
		t.Errorf("heating threshold = %v, want 20", heating)
	}
	if cooling == nil || *cooling != 24 {
		t.Errorf("cooling threshold = %v, want 24", cooling)
	}

	if err := engine.SetHeatingThreshold(ctx, OriginUser, 18); err != nil {
		t.Fatalf("SetHeatingThreshold() error = %v", err)
	}

	cmds = sender.commands()
	if len(cmds) != 2 {
		t.Fatalf("sent %d commands, want 2", len(cmds))
	}
	if got := *cmds[1].TargetTemperature; got != 21 {
		t.Errorf("midpoint = %v, want 21", got)
	}

	snap := engine.Snapshot()
	if snap.LastTarget != ModeAuto {
		t.Errorf("LastTarget = %v, want auto", snap.LastTarget)
	}
	if snap.Window == nil || *snap.Window != (Window{Low: 18, High: 24}) {
		t.Errorf("Window = %v, want {18 24}", snap.Window)
	}
}

func TestSetTargetStateHeatCoolKeepsSetpoint(t *testing.T) {
	tests := []struct {
		name   string
		target TargetState
		want   Mode
	}{
		{"heat", TargetHeat, ModeHeat},
		{"cool", TargetCool, ModeCool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var remembered []Mode
			engine, sender, _ := newTestEngine(t, testCapabilities(),
				State{Mode: ModeOff, TargetTemperature: Ptr(23.0)},
				Options{OnLastTargetChange: func(m Mode) { remembered = append(remembered, m) }})

			if err := engine.SetTargetState(context.Background(), tt.target); err != nil {
				t.Fatalf("SetTargetState() error = %v", err)
			}

			cmds := sender.commands()
			if len(cmds) != 1 {
				t.Fatalf("sent %d commands, want 1", len(cmds))
			}
			want := State{Mode: tt.want, TargetTemperature: Ptr(23.0)}
			if diff := cmp.Diff(want, cmds[0]); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]Mode{tt.want}, remembered); diff != "" {
				t.Errorf("remembered modes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetTargetStateUnsupportedMode(t *testing.T) {
	caps := testCapabilities()
	caps.Modes = []Mode{ModeCool}
	engine, sender, _ := newTestEngine(t, caps, State{Mode: ModeCool, TargetTemperature: Ptr(24.0)}, Options{})

	if err := engine.SetTargetState(context.Background(), TargetHeat); err != nil {
		t.Fatalf("SetTargetState() error = %v, want nil", err)
	}
	if got := len(sender.commands()); got != 0 {
		t.Errorf("sent %d commands, want 0", got)
	}
}

func TestAutoWindowMidpoint(t *testing.T) {
	tests := []struct {
		name         string
		low, high    float64
		lowFirst     bool
		wantMidpoint float64
	}{
		{"low then high", 18, 26, true, 22},
		{"high then low", 18, 26, false, 22},
		{"rounds half up", 20, 25, true, 23},
		{"narrow window", 21, 22, false, 22},
		{"equal handles", 19, 19, true, 19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, sender, _ := newTestEngine(t, testCapabilities(),
				State{Mode: ModeCool, TargetTemperature: Ptr(25.0)}, Options{})
			ctx := context.Background()

			if err := engine.SetTargetState(ctx, TargetAuto); err != nil {
				t.Fatalf("SetTargetState() error = %v", err)
			}

			setLow := func() error { return engine.SetHeatingThreshold(ctx, OriginUser, tt.low) }
			setHigh := func() error { return engine.SetCoolingThreshold(ctx, OriginUser, tt.high) }
			first, second := setLow, setHigh
			if !tt.lowFirst {
				first, second = setHigh, setLow
			}
			if err := first(); err != nil {
				t.Fatalf("first threshold error = %v", err)
			}
			if err := second(); err != nil {
				t.Fatalf("second threshold error = %v", err)
			}

			cmds := sender.commands()
			if len(cmds) != 3 {
				t.Fatalf("sent %d commands, want 3", len(cmds))
			}
			if got := *cmds[2].TargetTemperature; got != tt.wantMidpoint {
				t.Errorf("midpoint = %v, want %v", got, tt.wantMidpoint)
			}
		})
	}
}

func TestAutoThresholdAlwaysDispatches(t *testing.T) {
	engine, sender, _ := newTestEngine(t, testCapabilities(),
		State{Mode: ModeAuto, TargetTemperature: Ptr(22.0)}, Options{})
	ctx := context.Background()

	// 24 is already the displayed high handle.
	if err := engine.SetCoolingThreshold(ctx, OriginUser, 24); err != nil {
		t.Fatalf("SetCoolingThreshold() error = %v", err)
	}
	if got := len(sender.commands()); got != 1 {
		t.Errorf("sent %d commands, want 1", got)
	}
}

func TestThresholdIdempotentOutsideAuto(t *testing.T) {
	tests := []struct {
		name    string
		mode    Mode
		cooling bool
	}{
		{"cool mode cooling threshold", ModeCool, true},
		{"cool mode heating threshold", ModeCool, false},
		{"heat mode heating threshold", ModeHeat, false},
		{"heat mode cooling threshold", ModeHeat, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, sender, _ := newTestEngine(t, testCapabilities(),
				State{Mode: tt.mode, TargetTemperature: Ptr(24.0)}, Options{})
			ctx := context.Background()

			set := engine.SetHeatingThreshold
			if tt.cooling {
				set = engine.SetCoolingThreshold
			}

			if err := set(ctx, OriginUser, 24); err != nil {
				t.Fatalf("threshold error = %v", err)
			}
			if got := len(sender.commands()); got != 0 {
				t.Fatalf("same value sent %d commands, want 0", got)
			}

			if err := set(ctx, OriginUser, 26); err != nil {
				t.Fatalf("threshold error = %v", err)
			}
			cmds := sender.commands()
			if len(cmds) != 1 {
				t.Fatalf("sent %d commands, want 1", len(cmds))
			}
			want := State{Mode: tt.mode, TargetTemperature: Ptr(26.0)}
			if diff := cmp.Diff(want, cmds[0]); diff != "" {
				t.Errorf("command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetActive(t *testing.T) {
	t.Run("turn on twice sends once", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeOff, TargetTemperature: Ptr(24.0)}, Options{LastTarget: ModeCool})
		ctx := context.Background()

		if err := engine.SetActive(ctx, true); err != nil {
			t.Fatalf("SetActive(true) error = %v", err)
		}
		if err := engine.SetActive(ctx, true); err != nil {
			t.Fatalf("SetActive(true) again error = %v", err)
		}

		cmds := sender.commands()
		if len(cmds) != 1 {
			t.Fatalf("sent %d commands, want 1", len(cmds))
		}
		if cmds[0].Mode != ModeCool {
			t.Errorf("mode = %v, want cool", cmds[0].Mode)
		}
	})

	t.Run("turn on without remembered mode", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeOff}, Options{})

		if err := engine.SetActive(context.Background(), true); err != nil {
			t.Fatalf("SetActive(true) error = %v, want nil", err)
		}
		if got := len(sender.commands()); got != 0 {
			t.Errorf("sent %d commands, want 0", got)
		}
	})

	t.Run("turn off clears auto window", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeAuto, TargetTemperature: Ptr(22.0)}, Options{})

		if err := engine.SetActive(context.Background(), false); err != nil {
			t.Fatalf("SetActive(false) error = %v", err)
		}

		cmds := sender.commands()
		if len(cmds) != 1 || cmds[0].Mode != ModeOff {
			t.Fatalf("commands = %+v, want one off command", cmds)
		}
		snap := engine.Snapshot()
		if snap.Window != nil {
			t.Errorf("Window = %v, want nil", snap.Window)
		}
		if snap.LastTarget != ModeAuto {
			t.Errorf("LastTarget = %v, want auto", snap.LastTarget)
		}
	})
}

func TestDebounceCoalescing(t *testing.T) {
	engine, sender, _ := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(24.0)},
		Options{SetDelay: 200 * time.Millisecond})
	ctx := context.Background()

	temps := []float64{20, 21, 22, 23, 19}
	errs := make([]error, len(temps))

	var wg sync.WaitGroup
	for i, temp := range temps {
		wg.Add(1)
		go func(i int, temp float64) {
			defer wg.Done()
			errs[i] = engine.SetCoolingThreshold(ctx, OriginUser, temp)
		}(i, temp)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("write %d error = %v", i, err)
		}
	}

	cmds := sender.commands()
	if len(cmds) != 1 {
		t.Fatalf("sent %d commands, want 1", len(cmds))
	}
	if got := *cmds[0].TargetTemperature; got != 19 {
		t.Errorf("target = %v, want 19", got)
	}
}

func TestDisconnected(t *testing.T) {
	t.Run("new commands reject", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeCool, TargetTemperature: Ptr(24.0)}, Options{})
		engine.SetConnected(false)

		err := engine.SetCoolingThreshold(context.Background(), OriginUser, 22)
		if !errors.Is(err, ErrDeviceUnreachable) {
			t.Errorf("error = %v, want %v", err, ErrDeviceUnreachable)
		}
		if err := engine.SetSwing(context.Background(), true); !errors.Is(err, ErrDeviceUnreachable) {
			t.Errorf("SetSwing() error = %v, want %v", err, ErrDeviceUnreachable)
		}
		if got := len(sender.commands()); got != 0 {
			t.Errorf("sent %d commands, want 0", got)
		}
	})

	t.Run("queued commands reject on disconnect", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeCool, TargetTemperature: Ptr(24.0)},
			Options{SetDelay: 5 * time.Second})

		result := make(chan error, 1)
		go func() {
			result <- engine.SetCoolingThreshold(context.Background(), OriginUser, 22)
		}()

		time.Sleep(50 * time.Millisecond)
		engine.SetConnected(false)

		select {
		case err := <-result:
			if !errors.Is(err, ErrDeviceUnreachable) {
				t.Errorf("error = %v, want %v", err, ErrDeviceUnreachable)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for rejection")
		}
		if got := len(sender.commands()); got != 0 {
			t.Errorf("sent %d commands, want 0", got)
		}
	})

	t.Run("auto reports unreachable once", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		sender := &fakeSender{}
		engine, err := New(sender, &recordingSink{}, zap.New(core), Options{
			Capabilities: testCapabilities(),
			SetDelay:     testDelay,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		engine.ApplyDevicePush(State{Mode: ModeCool, TargetTemperature: Ptr(24.0)})

		err = engine.SetTargetState(context.Background(), TargetAuto)
		if !errors.Is(err, ErrDeviceUnreachable) {
			t.Errorf("error = %v, want %v", err, ErrDeviceUnreachable)
		}
		if got := logs.FilterMessage("cannot send command, device is disconnected").Len(); got != 1 {
			t.Errorf("logged unreachable %d times, want 1", got)
		}
		if got := len(sender.commands()); got != 0 {
			t.Errorf("sent %d commands, want 0", got)
		}
	})

	t.Run("send failure rejects", func(t *testing.T) {
		engine, sender, _ := newTestEngine(t, testCapabilities(),
			State{Mode: ModeCool, TargetTemperature: Ptr(24.0)}, Options{})
		sender.err = errors.New("publish failed")

		err := engine.SetCoolingThreshold(context.Background(), OriginUser, 22)
		if !errors.Is(err, ErrDeviceUnreachable) {
			t.Errorf("error = %v, want %v", err, ErrDeviceUnreachable)
		}
	})
}

func TestContextCancelled(t *testing.T) {
	engine, _, _ := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(24.0)},
		Options{SetDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := engine.SetCoolingThreshold(ctx, OriginUser, 20)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestDeviceEchoIgnored(t *testing.T) {
	engine, sender, sink := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(24.0)}, Options{})
	ctx := context.Background()

	engine.ApplyDevicePush(State{Mode: ModeCool, TargetTemperature: Ptr(25.0)})

	_, cooling := sink.thresholds()
	if cooling == nil || *cooling != 25 {
		t.Fatalf("cooling threshold = %v, want 25", cooling)
	}

	// The accessory mirrors the pushed value back.
	if err := engine.SetCoolingThreshold(ctx, OriginDevice, *cooling); err != nil {
		t.Fatalf("SetCoolingThreshold(device) error = %v", err)
	}
	if err := engine.SetHeatingThreshold(ctx, OriginDevice, 17); err != nil {
		t.Fatalf("SetHeatingThreshold(device) error = %v", err)
	}
	if got := len(sender.commands()); got != 0 {
		t.Errorf("sent %d commands, want 0", got)
	}
}

func TestApplyDevicePushAutoWindow(t *testing.T) {
	tests := []struct {
		setpoint float64
		want     Window
	}{
		{22, Window{Low: 20, High: 24}},
		{17, Window{Low: 16, High: 19}},
		{16, Window{Low: 16, High: 18}},
		{29, Window{Low: 27, High: 30}},
		{30, Window{Low: 28, High: 30}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("setpoint %v", tt.setpoint), func(t *testing.T) {
			engine, _, sink := newTestEngine(t, testCapabilities(),
				State{Mode: ModeAuto, TargetTemperature: Ptr(tt.setpoint)}, Options{})

			heating, cooling := sink.thresholds()
			if heating == nil || *heating != tt.want.Low {
				t.Errorf("heating threshold = %v, want %v", heating, tt.want.Low)
			}
			if cooling == nil || *cooling != tt.want.High {
				t.Errorf("cooling threshold = %v, want %v", cooling, tt.want.High)
			}
			if snap := engine.Snapshot(); snap.Window == nil || *snap.Window != tt.want {
				t.Errorf("Window = %v, want %v", snap.Window, tt.want)
			}
		})
	}
}

func TestApplyDevicePushRecentersWindow(t *testing.T) {
	engine, sender, sink := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(25.0)}, Options{})
	ctx := context.Background()

	if err := engine.SetTargetState(ctx, TargetAuto); err != nil {
		t.Fatalf("SetTargetState() error = %v", err)
	}
	if err := engine.SetHeatingThreshold(ctx, OriginUser, 18); err != nil {
		t.Fatalf("SetHeatingThreshold() error = %v", err)
	}

	// The device acknowledges round((18+24)/2) = 21 and the window is
	// rebuilt around it.
	engine.ApplyDevicePush(State{Mode: ModeAuto, TargetTemperature: Ptr(21.0)})

	heating, cooling := sink.thresholds()
	if heating == nil || *heating != 19 || cooling == nil || *cooling != 23 {
		t.Errorf("thresholds = %v/%v, want 19/23", heating, cooling)
	}
	if snap := engine.Snapshot(); snap.Window == nil || *snap.Window != (Window{Low: 19, High: 23}) {
		t.Errorf("Window = %v, want {19 23}", snap.Window)
	}
	if got := len(sender.commands()); got != 2 {
		t.Errorf("sent %d commands, want 2", got)
	}
}

func TestApplyDevicePushUpdatesAccessory(t *testing.T) {
	tests := []struct {
		name        string
		state       State
		wantActive  bool
		wantTarget  *TargetState
		wantCurrent CurrentState
		wantCooling *float64
		wantHeating *float64
		wantSwing   bool
		wantFan     *float64
	}{
		{
			name: "cooling",
			state: State{
				Mode: ModeCool, TargetTemperature: Ptr(24.0), CurrentTemperature: Ptr(27.0),
				FanMode: Ptr(FanHigh), SwingMode: SwingBoth,
			},
			wantActive:  true,
			wantTarget:  Ptr(TargetCool),
			wantCurrent: CurrentCooling,
			wantCooling: Ptr(24.0),
			wantSwing:   true,
			wantFan:     Ptr(100.0),
		},
		{
			name: "heating idle",
			state: State{
				Mode: ModeHeat, TargetTemperature: Ptr(21.0), CurrentTemperature: Ptr(22.0),
				CustomFanMode: Ptr(FanLow),
			},
			wantActive:  true,
			wantTarget:  Ptr(TargetHeat),
			wantCurrent: CurrentIdle,
			wantHeating: Ptr(21.0),
			wantFan:     Ptr(50.0),
		},
		{
			name: "off hides swing",
			state: State{
				Mode: ModeOff, TargetTemperature: Ptr(21.0), CurrentTemperature: Ptr(22.0),
				SwingMode: SwingBoth,
			},
			wantCurrent: CurrentInactive,
		},
		{
			name:        "dry shows auto",
			state:       State{Mode: ModeDry, CurrentTemperature: Ptr(22.0), FanMode: Ptr(FanQuiet)},
			wantActive:  true,
			wantTarget:  Ptr(TargetAuto),
			wantCurrent: CurrentIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, sink := newTestEngine(t, testCapabilities(), tt.state, Options{})

			sink.mu.Lock()
			defer sink.mu.Unlock()

			if sink.active == nil || *sink.active != tt.wantActive {
				t.Errorf("active = %v, want %v", sink.active, tt.wantActive)
			}
			if diff := cmp.Diff(tt.wantTarget, sink.target); diff != "" {
				t.Errorf("target state mismatch (-want +got):\n%s", diff)
			}
			if sink.current == nil || *sink.current != tt.wantCurrent {
				t.Errorf("current state = %v, want %v", sink.current, tt.wantCurrent)
			}
			if diff := cmp.Diff(tt.wantCooling, sink.cooling); diff != "" {
				t.Errorf("cooling threshold mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantHeating, sink.heating); diff != "" {
				t.Errorf("heating threshold mismatch (-want +got):\n%s", diff)
			}
			if sink.swing == nil || *sink.swing != tt.wantSwing {
				t.Errorf("swing = %v, want %v", sink.swing, tt.wantSwing)
			}
			if diff := cmp.Diff(tt.wantFan, sink.fan); diff != "" {
				t.Errorf("fan speed mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyDevicePushRemembersMode(t *testing.T) {
	var remembered []Mode
	engine, _, _ := newTestEngine(t, testCapabilities(),
		State{Mode: ModeHeat, TargetTemperature: Ptr(21.0)},
		Options{OnLastTargetChange: func(m Mode) { remembered = append(remembered, m) }})

	engine.ApplyDevicePush(State{Mode: ModeFanOnly})
	engine.ApplyDevicePush(State{Mode: ModeOff})
	engine.ApplyDevicePush(State{Mode: ModeHeat, TargetTemperature: Ptr(22.0)})
	engine.ApplyDevicePush(State{Mode: ModeCool, TargetTemperature: Ptr(22.0)})

	if diff := cmp.Diff([]Mode{ModeHeat, ModeCool}, remembered); diff != "" {
		t.Errorf("remembered modes mismatch (-want +got):\n%s", diff)
	}
}

func TestSetFanSpeed(t *testing.T) {
	tests := []struct {
		name       string
		fanModes   []FanMode
		custom     []FanMode
		initial    *FanMode
		percent    float64
		wantSent   bool
		wantFan    *FanMode
		wantCustom *FanMode
	}{
		{
			name:     "unsupported mode is ignored",
			fanModes: []FanMode{FanAuto, FanLow},
			percent:  60,
		},
		{
			name:     "standard fan mode",
			fanModes: []FanMode{FanAuto, FanLow},
			percent:  40,
			wantSent: true,
			wantFan:  Ptr(FanLow),
		},
		{
			name:       "custom fan mode replaces standard",
			fanModes:   []FanMode{FanAuto},
			custom:     []FanMode{FanHigh},
			initial:    Ptr(FanAuto),
			percent:    90,
			wantSent:   true,
			wantCustom: Ptr(FanHigh),
		},
		{
			name:     "same mode is a no-op",
			fanModes: []FanMode{FanAuto, FanMedium},
			initial:  Ptr(FanMedium),
			percent:  70,
		},
		{
			name:     "out of range",
			fanModes: []FanMode{FanAuto, FanHigh},
			percent:  120,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := testCapabilities()
			caps.FanModes = tt.fanModes
			caps.CustomFanModes = tt.custom

			engine, sender, _ := newTestEngine(t, caps,
				State{Mode: ModeCool, TargetTemperature: Ptr(24.0), FanMode: tt.initial}, Options{})

			if err := engine.SetFanSpeed(context.Background(), tt.percent); err != nil {
				t.Fatalf("SetFanSpeed() error = %v", err)
			}

			cmds := sender.commands()
			if !tt.wantSent {
				if len(cmds) != 0 {
					t.Errorf("sent %d commands, want 0", len(cmds))
				}
				return
			}
			if len(cmds) != 1 {
				t.Fatalf("sent %d commands, want 1", len(cmds))
			}
			if diff := cmp.Diff(tt.wantFan, cmds[0].FanMode); diff != "" {
				t.Errorf("fan mode mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCustom, cmds[0].CustomFanMode); diff != "" {
				t.Errorf("custom fan mode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetSwing(t *testing.T) {
	tests := []struct {
		name       string
		swingModes []SwingMode
		on         bool
		wantSent   bool
		want       SwingMode
	}{
		{"both preferred", []SwingMode{SwingOff, SwingVertical, SwingBoth}, true, true, SwingBoth},
		{"vertical only", []SwingMode{SwingOff, SwingVertical}, true, true, SwingVertical},
		{"horizontal fallback", []SwingMode{SwingOff, SwingHorizontal}, true, true, SwingHorizontal},
		{"turn off", []SwingMode{SwingOff, SwingBoth}, false, true, SwingOff},
		{"no swing support", []SwingMode{SwingOff}, true, false, SwingOff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := testCapabilities()
			caps.SwingModes = tt.swingModes

			engine, sender, _ := newTestEngine(t, caps,
				State{Mode: ModeCool, TargetTemperature: Ptr(24.0), SwingMode: SwingVertical}, Options{})

			if err := engine.SetSwing(context.Background(), tt.on); err != nil {
				t.Fatalf("SetSwing() error = %v", err)
			}

			cmds := sender.commands()
			if !tt.wantSent {
				if len(cmds) != 0 {
					t.Errorf("sent %d commands, want 0", len(cmds))
				}
				return
			}
			if len(cmds) != 1 {
				t.Fatalf("sent %d commands, want 1", len(cmds))
			}
			if cmds[0].SwingMode != tt.want {
				t.Errorf("swing = %v, want %v", cmds[0].SwingMode, tt.want)
			}
		})
	}
}

func TestOnDispatch(t *testing.T) {
	dispatched := make(chan error, 4)
	engine, _, _ := newTestEngine(t, testCapabilities(),
		State{Mode: ModeCool, TargetTemperature: Ptr(24.0)},
		Options{OnDispatch: func(_ State, err error) { dispatched <- err }})

	if err := engine.SetCoolingThreshold(context.Background(), OriginUser, 21); err != nil {
		t.Fatalf("SetCoolingThreshold() error = %v", err)
	}

	select {
	case err := <-dispatched:
		if err != nil {
			t.Errorf("dispatch error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dispatch callback")
	}
}
