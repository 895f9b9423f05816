package web

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/kradalby/esphome-homekit/climate"
	"github.com/kradalby/esphome-homekit/config"
	"github.com/kradalby/esphome-homekit/events"
)

// renderIndex renders one card per configured accessory using elem-go.
func (s *Server) renderIndex() string {
	cards := make([]elem.Node, 0, len(s.devices)+1)
	cards = append(cards, elem.H1(nil, elem.Text(s.cfg.HAPName)))
	for _, dev := range s.devices {
		st, _ := s.state(dev.UniqueID)
		cards = append(cards, renderDeviceCard(dev, st))
	}
	cards = append(cards,
		elem.Div(attrs.Props{attrs.ID: "response"}),
		elem.Div(attrs.Props{attrs.Class: "links"},
			elem.A(attrs.Props{attrs.Href: "/debug/eventbus"}, elem.Text("EventBus Debug")),
			elem.Text(" | "),
			elem.A(attrs.Props{attrs.Href: "/metrics"}, elem.Text("Metrics")),
		),
	)

	return elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text(s.cfg.HAPName)),
			elem.Meta(attrs.Props{attrs.Charset: "utf-8"}),
			elem.Meta(attrs.Props{attrs.Name: "viewport", attrs.Content: "width=device-width, initial-scale=1"}),
			elem.Script(attrs.Props{attrs.Src: "https://unpkg.com/htmx.org@1.9.10"}),
			elem.Style(nil, elem.Text(getCSS())),
		),
		elem.Body(nil,
			elem.Div(attrs.Props{attrs.Class: "container"}, cards...),

			// SSE handler script
			elem.Script(nil, elem.Text(`
				const eventSource = new EventSource('/events');
				const fmt = (v) => v === null || v === undefined ? 'N/A' : v.toFixed(1) + '°C';

				eventSource.onmessage = function(e) {
					const data = JSON.parse(e.data);
					const card = document.getElementById('card-' + data.Accessory);
					if (!card) {
						return;
					}
					card.querySelector('.current-temp .value').textContent = fmt(data.CurrentTemperature);
					const status = card.querySelector('.status');
					status.textContent = data.Connected ? data.CurrentState : 'not responding';
					status.className = 'status status-' + (data.Connected ? data.CurrentState : 'offline');
					card.querySelectorAll('.mode-btn').forEach(function(btn) {
						const on = data.Active ? btn.value === data.TargetState : btn.value === 'false';
						btn.classList.toggle('active', on);
					});
				};

				document.querySelectorAll('input[type=range]').forEach(function(slider) {
					slider.addEventListener('input', function(e) {
						const out = document.getElementById(e.target.dataset.output);
						if (out) {
							out.textContent = e.target.value + (e.target.name === 'speed' ? '%' : '°C');
						}
					});
				});
			`)),
		),
	).Render()
}

// renderDeviceCard renders the status and controls of one accessory.
func renderDeviceCard(dev config.Device, st events.StateUpdateEvent) elem.Node {
	caps := dev.Capabilities()
	id := dev.UniqueID

	statusText := "not responding"
	statusClass := "status status-offline"
	if st.Connected {
		statusText = st.CurrentState
		statusClass = "status status-" + st.CurrentState
	}

	children := []elem.Node{
		elem.H2(nil, elem.Text(dev.Name)),
		elem.Div(attrs.Props{attrs.Class: "temp-display"},
			elem.Div(attrs.Props{attrs.Class: "current-temp"},
				elem.Span(attrs.Props{attrs.Class: "label"}, elem.Text("Current")),
				elem.Span(attrs.Props{attrs.Class: "value"}, elem.Text(formatTemp(st.CurrentTemperature))),
			),
			elem.Div(attrs.Props{attrs.Class: statusClass}, elem.Text(statusText)),
		),
		elem.H3(nil, elem.Text("Mode")),
		renderModeButtons(id, caps, st),
	}

	if caps.ExposesCooling() {
		children = append(children, renderSlider(dev, "cooling", "Cool to", st.CoolingThreshold))
	}
	if caps.ExposesHeating() {
		children = append(children, renderSlider(dev, "heating", "Heat to", st.HeatingThreshold))
	}

	if len(caps.FanModes) > 0 || len(caps.CustomFanModes) > 0 {
		speed := 25.0
		if fm, err := fanModeByName(st.FanMode); err == nil {
			if pct, ok := climate.PercentForFanMode(fm); ok {
				speed = pct
			}
		}
		children = append(children,
			elem.H3(nil, elem.Text("Fan")),
			elem.Form(attrs.Props{
				"hx-post":   "/api/fan",
				"hx-target": "#response",
			},
				hiddenAccessory(id),
				elem.Input(attrs.Props{
					attrs.Type:    "range",
					attrs.Name:    "speed",
					attrs.Min:     "0",
					attrs.Max:     "100",
					attrs.Step:    "25",
					attrs.Value:   strconv.FormatFloat(speed, 'f', 0, 64),
					"data-output": "fan-" + id,
					"hx-trigger":  "change",
				}),
				elem.Div(attrs.Props{attrs.Class: "temp-value", attrs.ID: "fan-" + id},
					elem.Text(strconv.FormatFloat(speed, 'f', 0, 64)+"%")),
			),
		)
	}

	if _, ok := caps.SwingOnValue(); ok {
		on := st.SwingMode != "" && st.SwingMode != climate.SwingOff.String()
		children = append(children,
			elem.H3(nil, elem.Text("Swing")),
			elem.Form(attrs.Props{
				"hx-post":   "/api/swing",
				"hx-target": "#response",
			},
				hiddenAccessory(id),
				elem.Div(attrs.Props{attrs.Class: "mode-buttons"},
					button("swing", "true", "On", on),
					button("swing", "false", "Off", !on),
				),
			),
		)
	}

	return elem.Div(attrs.Props{attrs.Class: "device-card", attrs.ID: "card-" + id}, children...)
}

// renderModeButtons renders Off plus every supported target state.
func renderModeButtons(id string, caps climate.Capabilities, st events.StateUpdateEvent) elem.Node {
	offForm := elem.Form(attrs.Props{
		"hx-post":   "/api/active",
		"hx-target": "#response",
	},
		hiddenAccessory(id),
		button("active", "false", "Off", !st.Active),
	)

	buttons := []elem.Node{offForm}
	for _, target := range []climate.TargetState{climate.TargetAuto, climate.TargetHeat, climate.TargetCool} {
		mode, _ := climate.ModeForTargetState(target)
		if !caps.SupportsMode(mode) {
			continue
		}
		buttons = append(buttons, elem.Form(attrs.Props{
			"hx-post":   "/api/mode",
			"hx-target": "#response",
		},
			hiddenAccessory(id),
			button("mode", target.String(), modeLabel(target), st.Active && st.TargetState == target.String()),
		))
	}

	return elem.Div(attrs.Props{attrs.Class: "mode-buttons"}, buttons...)
}

func renderSlider(dev config.Device, threshold, label string, value *float64) elem.Node {
	v := dev.AutoLowTemperature
	if threshold == "cooling" {
		v = dev.AutoHighTemperature
	}
	if value != nil {
		v = *value
	}
	outputID := threshold + "-" + dev.UniqueID
	text := strconv.FormatFloat(v, 'f', 1, 64)

	return elem.Div(nil,
		elem.H3(nil, elem.Text(label)),
		elem.Form(attrs.Props{
			"hx-post":   "/api/temperature",
			"hx-target": "#response",
		},
			hiddenAccessory(dev.UniqueID),
			elem.Input(attrs.Props{
				attrs.Type:  "hidden",
				attrs.Name:  "threshold",
				attrs.Value: threshold,
			}),
			elem.Input(attrs.Props{
				attrs.Type:    "range",
				attrs.Name:    "temperature",
				attrs.Min:     strconv.FormatFloat(dev.VisualMinTemperature, 'f', -1, 64),
				attrs.Max:     strconv.FormatFloat(dev.VisualMaxTemperature, 'f', -1, 64),
				attrs.Step:    strconv.FormatFloat(dev.VisualTargetTemperatureStep, 'f', -1, 64),
				attrs.Value:   text,
				"data-output": outputID,
				"hx-trigger":  "change",
			}),
			elem.Div(attrs.Props{attrs.Class: "temp-value", attrs.ID: outputID}, elem.Text(text+"°C")),
		),
	)
}

func hiddenAccessory(id string) elem.Node {
	return elem.Input(attrs.Props{
		attrs.Type:  "hidden",
		attrs.Name:  "accessory",
		attrs.Value: id,
	})
}

func button(name, value, label string, active bool) elem.Node {
	class := "mode-btn"
	if active {
		class += " active"
	}
	return elem.Button(attrs.Props{
		attrs.Type:  "submit",
		attrs.Name:  name,
		attrs.Value: value,
		attrs.Class: class,
	}, elem.Text(label))
}

func modeLabel(t climate.TargetState) string {
	switch t {
	case climate.TargetHeat:
		return "Heat"
	case climate.TargetCool:
		return "Cool"
	default:
		return "Auto"
	}
}

func formatTemp(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1f°C", *v)
}

// fanModeByName resolves a fan mode name as shown in state events.
func fanModeByName(name string) (climate.FanMode, error) {
	for f := climate.FanOn; f <= climate.FanQuiet; f++ {
		if f.String() == name {
			return f, nil
		}
	}
	return climate.FanAuto, fmt.Errorf("unknown fan mode %q", name)
}

// renderEventBusDebug renders the EventBus debugger interface.
func (s *Server) renderEventBusDebug() string {
	s.mu.RLock()
	sseClientCount := len(s.sseClients)
	s.mu.RUnlock()

	states := s.bus.LastState()

	stateJSON := "No state available"
	if len(states) > 0 {
		data, err := json.MarshalIndent(states, "", "  ")
		if err == nil {
			stateJSON = string(data)
		}
	}

	return elem.Html(nil,
		elem.Head(nil,
			elem.Title(nil, elem.Text("EventBus Debug")),
			elem.Meta(attrs.Props{attrs.Charset: "utf-8"}),
			elem.Meta(attrs.Props{attrs.Name: "viewport", attrs.Content: "width=device-width, initial-scale=1"}),
			elem.Style(nil, elem.Text(getCSS())),
		),
		elem.Body(nil,
			elem.Div(attrs.Props{attrs.Class: "container"},
				elem.H1(nil, elem.Text("EventBus Debugger")),

				elem.Div(attrs.Props{attrs.Class: "debug-card"},
					elem.H2(nil, elem.Text("Statistics")),
					elem.Div(nil,
						elem.P(nil, elem.Text(fmt.Sprintf("Accessories: %d", len(s.devices)))),
						elem.P(nil, elem.Text(fmt.Sprintf("Connected SSE Clients: %d", sseClientCount))),
						elem.P(nil, elem.Text(fmt.Sprintf("Server Uptime: %s", time.Since(s.started).Round(time.Second)))),
					),
				),

				elem.Div(attrs.Props{attrs.Class: "debug-card"},
					elem.H2(nil, elem.Text("Last State")),
					elem.Pre(nil, elem.Text(stateJSON)),
				),

				elem.Div(attrs.Props{attrs.Class: "links"},
					elem.A(attrs.Props{attrs.Href: "/"}, elem.Text("Back to Accessories")),
				),
			),
		),
	).Render()
}

// getCSS returns CSS styles for the UI.
func getCSS() string {
	return `
		* { margin: 0; padding: 0; box-sizing: border-box; }
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
			background: linear-gradient(135deg, #43cea2 0%, #185a9d 100%);
			min-height: 100vh;
			padding: 20px;
		}
		.container {
			max-width: 600px;
			margin: 0 auto;
		}
		h1 {
			color: white;
			text-align: center;
			margin-bottom: 30px;
			font-size: 2em;
		}
		h2 {
			color: #333;
			margin-bottom: 15px;
			font-size: 1.2em;
		}
		h3 {
			color: #666;
			margin: 20px 0 10px;
			font-size: 1em;
		}
		.device-card, .debug-card {
			background: white;
			border-radius: 20px;
			padding: 30px;
			margin-bottom: 20px;
			box-shadow: 0 10px 40px rgba(0,0,0,0.1);
		}
		.temp-display {
			display: flex;
			justify-content: space-between;
			align-items: center;
		}
		.current-temp {
			display: flex;
			flex-direction: column;
		}
		.current-temp .label {
			color: #666;
			font-size: 0.9em;
			margin-bottom: 5px;
		}
		.current-temp .value {
			font-size: 3em;
			font-weight: bold;
			color: #333;
		}
		.status {
			padding: 10px 20px;
			border-radius: 20px;
			font-weight: bold;
			background: #e0e0e0;
			color: #666;
		}
		.status-heating {
			background: linear-gradient(135deg, #f093fb 0%, #f5576c 100%);
			color: white;
		}
		.status-cooling {
			background: linear-gradient(135deg, #4facfe 0%, #00f2fe 100%);
			color: white;
		}
		.status-offline {
			background: #fbe9e7;
			color: #bf360c;
		}
		input[type="range"] {
			width: 100%;
			height: 8px;
			border-radius: 5px;
			background: #e0e0e0;
			outline: none;
			margin: 10px 0;
		}
		input[type="range"]::-webkit-slider-thumb {
			-webkit-appearance: none;
			appearance: none;
			width: 25px;
			height: 25px;
			border-radius: 50%;
			background: #185a9d;
			cursor: pointer;
		}
		.temp-value {
			text-align: center;
			font-size: 1.5em;
			font-weight: bold;
			color: #185a9d;
		}
		.mode-buttons {
			display: flex;
			gap: 10px;
		}
		.mode-buttons form {
			flex: 1;
		}
		.mode-btn {
			width: 100%;
			padding: 15px;
			border: 2px solid #e0e0e0;
			background: white;
			border-radius: 10px;
			font-size: 1em;
			font-weight: bold;
			cursor: pointer;
			transition: all 0.3s;
		}
		.mode-btn:hover {
			border-color: #185a9d;
		}
		.mode-btn.active {
			background: #185a9d;
			color: white;
			border-color: #185a9d;
		}
		.links {
			text-align: center;
			margin-top: 20px;
		}
		.links a {
			color: white;
			text-decoration: none;
			font-weight: bold;
		}
		.links a:hover {
			text-decoration: underline;
		}
		pre {
			background: #f5f5f5;
			padding: 15px;
			border-radius: 5px;
			overflow-x: auto;
			font-size: 0.9em;
		}
		#response {
			margin-top: 10px;
			padding: 10px;
			border-radius: 5px;
			text-align: center;
			color: white;
		}
	`
}
