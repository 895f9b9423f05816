package homekit

import (
	"context"
	"testing"
	"time"

	"github.com/brutella/hap"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/events"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HAPName:        "Test Bridge",
		HAPPin:         "12345678",
		HAPStoragePath: t.TempDir(),
		HAPPort:        0, // Random port
		MQTTClientID:   "esphome-homekit-test",
	}
}

func testDevice(name string) config.Device {
	d := config.Device{Name: name, Host: name + ".local"}
	d.ApplyDefaults()
	return d
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.New(zap.NewNop())
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = bus.Close()
	})
	return bus
}

func TestNew(t *testing.T) {
	logger := zap.NewNop()
	bus := newTestBus(t)
	cfg := testConfig(t)

	var accs []*Accessory
	for _, name := range []string{"living", "bedroom"} {
		a, err := NewAccessory(context.Background(), testDevice(name), logger)
		if err != nil {
			t.Fatalf("NewAccessory() error = %v", err)
		}
		accs = append(accs, a)
	}

	server, err := New(cfg, logger, bus, NewStore(cfg), accs)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	if server.server == nil {
		t.Fatal("server.server is nil")
	}
	if server.bridge.A.Id != 1 {
		t.Errorf("bridge id = %d, want 1", server.bridge.A.Id)
	}
	if got := len(server.Accessories()); got != 2 {
		t.Errorf("len(Accessories()) = %d, want 2", got)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	logger := zap.NewNop()
	bus := newTestBus(t)
	cfg := testConfig(t)
	store := hap.NewFsStore(cfg.HAPStoragePath)

	tests := []struct {
		name   string
		cfg    *config.Config
		logger *zap.Logger
		bus    *events.Bus
		store  hap.Store
	}{
		{"nil config", nil, logger, bus, store},
		{"nil logger", cfg, nil, bus, store},
		{"nil bus", cfg, logger, nil, store},
		{"nil store", cfg, logger, bus, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.logger, tt.bus, tt.store, nil); err == nil {
				t.Errorf("New() expected error, got nil")
			}
		})
	}
}

func TestStartPublishesConnectionStatus(t *testing.T) {
	logger := zap.NewNop()
	bus := newTestBus(t)
	cfg := testConfig(t)

	subscriber, err := bus.Client(events.ClientMetrics)
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	sub := eventbus.Subscribe[events.ConnectionStatusEvent](subscriber)
	defer sub.Close()

	server, err := New(cfg, logger, bus, NewStore(cfg), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForStatus(t, sub, events.ConnectionStatusConnected)

	if err := server.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	waitForStatus(t, sub, events.ConnectionStatusDisconnected)
}

// waitForStatus skips unrelated statuses, since mDNS may be unavailable in
// the test environment.
func waitForStatus(t *testing.T, sub *eventbus.Subscriber[events.ConnectionStatusEvent], want events.ConnectionStatus) {
	t.Helper()
	timeout := time.After(1 * time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Component == "homekit" && event.Status == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for homekit %s", want)
		}
	}
}
