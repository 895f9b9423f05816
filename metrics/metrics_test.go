package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kradalby/esphome-homekit/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func ptr[T any](v T) *T {
	return &v
}

func newTestCollector(t *testing.T) (*Collector, *events.Bus) {
	t.Helper()
	logger := zap.NewNop()

	bus, err := events.New(logger)
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
	})

	c, err := New(logger, bus)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Start()
	t.Cleanup(func() {
		_ = c.Close()
	})

	return c, bus
}

// eventually polls until the collector reports want.
func eventually(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := testutil.ToFloat64(c)
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metric = %v, want %v", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	bus, err := events.New(zap.NewNop())
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	defer func() {
		_ = bus.Close()
	}()

	if _, err := New(nil, bus); err == nil {
		t.Error("New(nil logger) expected error")
	}
	if _, err := New(zap.NewNop(), nil); err == nil {
		t.Error("New(nil bus) expected error")
	}
}

func TestCollectorStateUpdates(t *testing.T) {
	c, bus := newTestCollector(t)
	client, err := bus.Client(events.ClientESPHome)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}

	bus.PublishStateUpdate(client, events.StateUpdateEvent{
		Source:             "esphome",
		Accessory:          "living.local",
		Ready:              true,
		Mode:               "cool",
		CurrentTemperature: ptr(26.5),
		TargetTemperature:  ptr(24.0),
	})

	eventually(t, c.currentTemperature.WithLabelValues("living.local"), 26.5)
	eventually(t, c.targetTemperature.WithLabelValues("living.local"), 24)
	eventually(t, c.pushes.WithLabelValues("living.local"), 1)
}

func TestCollectorConnectionStatus(t *testing.T) {
	c, bus := newTestCollector(t)
	client, err := bus.Client(events.ClientESPHome)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}

	tests := []struct {
		name   string
		event  events.ConnectionStatusEvent
		metric prometheus.Collector
		want   float64
	}{
		{
			name:   "broker connected",
			event:  events.ConnectionStatusEvent{Component: "mqtt", Status: events.ConnectionStatusConnected},
			metric: c.brokerConnected,
			want:   1,
		},
		{
			name:   "device connected",
			event:  events.ConnectionStatusEvent{Component: "esphome", Accessory: "living.local", Status: events.ConnectionStatusConnected},
			metric: c.deviceConnected.WithLabelValues("living.local"),
			want:   1,
		},
		{
			name:   "device disconnected",
			event:  events.ConnectionStatusEvent{Component: "esphome", Accessory: "living.local", Status: events.ConnectionStatusDisconnected},
			metric: c.deviceConnected.WithLabelValues("living.local"),
			want:   0,
		},
		{
			name:   "broker reconnecting",
			event:  events.ConnectionStatusEvent{Component: "mqtt", Status: events.ConnectionStatusReconnecting},
			metric: c.brokerConnected,
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus.PublishConnectionStatus(client, tt.event)
			eventually(t, tt.metric, tt.want)
		})
	}
}

func TestCollectorDispatch(t *testing.T) {
	c, bus := newTestCollector(t)
	client, err := bus.Client(events.ClientBridge)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}

	bus.PublishDispatch(client, events.DispatchEvent{Accessory: "living.local", Mode: "cool"})
	bus.PublishDispatch(client, events.DispatchEvent{Accessory: "living.local", Mode: "cool", Error: "device unreachable"})
	bus.PublishDispatch(client, events.DispatchEvent{Accessory: "living.local", Mode: "heat"})

	eventually(t, c.commands.WithLabelValues("living.local", "ok"), 2)
	eventually(t, c.commands.WithLabelValues("living.local", "error"), 1)
}

func TestCollectorHandler(t *testing.T) {
	c, bus := newTestCollector(t)
	client, err := bus.Client(events.ClientBridge)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}

	bus.PublishDispatch(client, events.DispatchEvent{Accessory: "living.local", Mode: "cool"})
	eventually(t, c.commands.WithLabelValues("living.local", "ok"), 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	for _, want := range []string{
		`esphk_commands_total{accessory="living.local",result="ok"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
