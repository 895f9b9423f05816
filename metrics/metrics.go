// Package metrics exports prometheus metrics derived from bus events.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kradalby/esphome-homekit/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/util/eventbus"
)

const namespace = "esphk"

// Collector keeps prometheus metrics up to date from the event bus.
type Collector struct {
	logger   *zap.Logger
	client   *eventbus.Client
	registry *prometheus.Registry

	commands           *prometheus.CounterVec
	pushes             *prometheus.CounterVec
	deviceConnected    *prometheus.GaugeVec
	brokerConnected    prometheus.Gauge
	currentTemperature *prometheus.GaugeVec
	targetTemperature  *prometheus.GaugeVec

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// New creates a Collector with its own registry.
func New(logger *zap.Logger, bus *events.Bus) (*Collector, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("eventbus is required")
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get eventbus client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		logger:   logger,
		client:   client,
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent to devices, by result.",
		}, []string{"accessory", "result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_pushes_total",
			Help:      "State changes reported by devices.",
		}, []string{"accessory"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "Whether the device is online (1) or not (0).",
		}, []string{"accessory"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "Whether the MQTT broker is connected (1) or not (0).",
		}),
		currentTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_temperature_celsius",
			Help:      "Room temperature reported by the device.",
		}, []string{"accessory"}),
		targetTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_celsius",
			Help:      "Setpoint reported by the device.",
		}, []string{"accessory"}),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.commands,
		c.pushes,
		c.deviceConnected,
		c.brokerConnected,
		c.currentTemperature,
		c.targetTemperature,
	)

	return c, nil
}

// Registry returns the registry holding every metric.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start subscribes to the bus and updates metrics until Close.
func (c *Collector) Start() {
	states := eventbus.Subscribe[events.StateUpdateEvent](c.client)
	statuses := eventbus.Subscribe[events.ConnectionStatusEvent](c.client)
	dispatches := eventbus.Subscribe[events.DispatchEvent](c.client)
	c.started = true

	go func() {
		defer close(c.done)
		defer states.Close()
		defer statuses.Close()
		defer dispatches.Close()

		for {
			select {
			case event := <-states.Events():
				c.observeState(event)
			case event := <-statuses.Events():
				c.observeConnection(event)
			case event := <-dispatches.Events():
				c.observeDispatch(event)
			case <-c.ctx.Done():
				return
			}
		}
	}()

	c.logger.Info("metrics collector started")
}

func (c *Collector) observeState(event events.StateUpdateEvent) {
	if event.Source == "esphome" && event.Ready {
		c.pushes.WithLabelValues(event.Accessory).Inc()
	}
	if event.CurrentTemperature != nil {
		c.currentTemperature.WithLabelValues(event.Accessory).Set(*event.CurrentTemperature)
	}
	if event.TargetTemperature != nil {
		c.targetTemperature.WithLabelValues(event.Accessory).Set(*event.TargetTemperature)
	}
}

func (c *Collector) observeConnection(event events.ConnectionStatusEvent) {
	v := 0.0
	if event.Status == events.ConnectionStatusConnected {
		v = 1
	}

	switch {
	case event.Accessory != "":
		c.deviceConnected.WithLabelValues(event.Accessory).Set(v)
	case event.Component == "mqtt":
		c.brokerConnected.Set(v)
	}
}

func (c *Collector) observeDispatch(event events.DispatchEvent) {
	result := "ok"
	if !event.Succeeded() {
		result = "error"
	}
	c.commands.WithLabelValues(event.Accessory, result).Inc()
}

// Close stops the collector.
func (c *Collector) Close() error {
	c.cancel()
	if c.started {
		<-c.done
	}
	return nil
}
