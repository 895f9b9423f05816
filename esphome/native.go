package esphome

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kradalby/esphome-homekit/climate"
	"go.uber.org/zap"
)

// Native link defaults.
const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectInterval = time.Minute
	DefaultPingInterval         = 20 * time.Second

	ioTimeout = 10 * time.Second
)

var errDisconnectRequested = errors.New("device requested disconnect")

// NativeConfig identifies one device on the ESPHome native API.
type NativeConfig struct {
	Name    string
	Address string

	// EncryptionKey is the base64 api encryption key. Empty selects the
	// plaintext protocol.
	EncryptionKey string

	// Entity is the climate object id. When the device has no such entity
	// the first climate entity is used.
	Entity string

	Capabilities climate.Capabilities
	ClientInfo   string

	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// NativeLink connects one climate entity over the ESPHome native API. It
// reconnects on its own until closed.
type NativeLink struct {
	cfg    NativeConfig
	psk    []byte
	logger *zap.Logger

	mu       sync.Mutex
	handlers Handlers
	conn     *apiConn
	online   bool
	firmware string

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewNativeLink creates a NativeLink. Call Start to connect.
func NewNativeLink(cfg NativeConfig, logger *zap.Logger) (*NativeLink, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("device address is required")
	}

	var psk []byte
	if cfg.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes base64 encoded")
		}
		psk = key
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = max(DefaultMaxReconnectInterval, cfg.ReconnectInterval)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &NativeLink{
		cfg:    cfg,
		psk:    psk,
		logger: logger.With(zap.String("device", cfg.Name), zap.String("address", cfg.Address)),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetHandlers replaces the event handlers.
func (l *NativeLink) SetHandlers(h Handlers) {
	l.mu.Lock()
	l.handlers = h
	l.mu.Unlock()
}

// Start connects in the background.
func (l *NativeLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("link already started")
	}
	if l.ctx.Err() != nil {
		return fmt.Errorf("link is closed")
	}
	l.started = true

	l.wg.Add(1)
	go l.run()

	l.logger.Info("device link started", zap.Bool("encrypted", l.psk != nil))
	return nil
}

// Online reports whether a session with the device is established.
func (l *NativeLink) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// Firmware returns the ESPHome version the device reported.
func (l *NativeLink) Firmware() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firmware
}

// Send writes state as a single climate command.
func (l *NativeLink) Send(state climate.State) error {
	if _, err := EncodeMode(state.Mode); err != nil {
		return err
	}

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	mode := state.Mode
	cmd := climateCommand{Key: conn.entity.Key, Mode: &mode}
	if state.Mode.HasSetpoint() && state.TargetTemperature != nil {
		cmd.TargetTemperature = climate.Ptr(*state.TargetTemperature)
	}
	switch {
	case state.FanMode != nil:
		f := *state.FanMode
		cmd.FanMode = &f
	case state.CustomFanMode != nil:
		cmd.CustomFanMode = climate.Ptr(conn.entity.customFanName(*state.CustomFanMode))
	}
	if len(l.cfg.Capabilities.SwingModes) > 0 {
		swing := state.SwingMode
		cmd.SwingMode = &swing
	}

	if err := conn.send(msgClimateCommand, cmd.marshal()); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	l.logger.Debug("command sent",
		zap.String("mode", state.Mode.String()),
		zap.Float64p("target_temperature", state.TargetTemperature),
	)
	return nil
}

// Close disconnects from the device and stops reconnecting.
func (l *NativeLink) Close() error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	l.online = false
	l.conn = nil
	l.mu.Unlock()
	return nil
}

// run keeps a session open, backing off between failed attempts.
func (l *NativeLink) run() {
	defer l.wg.Done()

	backoff := l.cfg.ReconnectInterval
	for {
		established, err := l.session()
		if l.ctx.Err() != nil {
			return
		}
		l.lost(err)

		if established {
			backoff = l.cfg.ReconnectInterval
		}
		l.logger.Debug("reconnecting to device", zap.Duration("backoff", backoff))

		select {
		case <-l.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if !established {
			backoff = min(time.Duration(float64(backoff)*1.5), l.cfg.MaxReconnectInterval)
		}
	}
}

// session connects, subscribes and reads until the connection fails. The
// flag reports whether the device came online.
func (l *NativeLink) session() (bool, error) {
	conn, info, err := l.connect()
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(l.ctx, func() {
		_ = conn.send(msgDisconnectRequest, nil)
		_ = conn.Close()
	})
	defer stop()

	if err := conn.send(msgSubscribeStatesRequest, nil); err != nil {
		return false, err
	}

	l.mu.Lock()
	l.conn = conn
	l.online = true
	firmwareChanged := info.ESPHomeVersion != "" && l.firmware != info.ESPHomeVersion
	l.firmware = info.ESPHomeVersion
	h := l.handlers
	l.mu.Unlock()

	l.logger.Debug("device session established",
		zap.String("entity", conn.entity.ObjectID),
		zap.String("esphome_version", info.ESPHomeVersion),
		zap.String("model", info.Model),
	)

	if firmwareChanged && h.OnFirmware != nil {
		h.OnFirmware(info.ESPHomeVersion)
	}
	if h.OnConnected != nil {
		h.OnConnected()
	}

	done := make(chan struct{})
	defer close(done)
	go l.keepalive(conn, done)

	return true, l.receive(conn)
}

// connect dials the device and runs the handshake up to the entity list.
func (l *NativeLink) connect() (*apiConn, deviceInfo, error) {
	dialer := net.Dialer{Timeout: ioTimeout}
	nc, err := dialer.DialContext(l.ctx, "tcp", l.cfg.Address)
	if err != nil {
		return nil, deviceInfo{}, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	conn := &apiConn{Conn: nc}
	info, err := l.open(conn)
	if err != nil {
		_ = nc.Close()
		return nil, deviceInfo{}, err
	}
	return conn, info, nil
}

func (l *NativeLink) open(conn *apiConn) (deviceInfo, error) {
	if l.psk == nil {
		conn.codec = newPlaintextCodec(conn.Conn)
	} else {
		if err := conn.SetDeadline(time.Now().Add(ioTimeout)); err != nil {
			return deviceInfo{}, err
		}
		c, name, err := noiseHandshake(conn.Conn, l.psk)
		if err != nil {
			return deviceInfo{}, err
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return deviceInfo{}, err
		}
		conn.codec = c
		l.logger.Debug("noise handshake complete", zap.String("server", name))
	}

	data, err := conn.request(msgHelloRequest, helloRequest{ClientInfo: l.cfg.ClientInfo}.marshal(), msgHelloResponse)
	if err != nil {
		return deviceInfo{}, err
	}
	hello, err := decodeHelloResponse(data)
	if err != nil {
		return deviceInfo{}, err
	}
	l.logger.Debug("device hello",
		zap.String("server_info", hello.ServerInfo),
		zap.Uint32("api_major", hello.APIVersionMajor),
		zap.Uint32("api_minor", hello.APIVersionMinor),
	)

	data, err = conn.request(msgConnectRequest, nil, msgConnectResponse)
	if err != nil {
		return deviceInfo{}, err
	}
	resp, err := decodeConnectResponse(data)
	if err != nil {
		return deviceInfo{}, err
	}
	if resp.InvalidPassword {
		return deviceInfo{}, ErrAuthenticationFailed
	}

	data, err = conn.request(msgDeviceInfoRequest, nil, msgDeviceInfoResponse)
	if err != nil {
		return deviceInfo{}, err
	}
	info, err := decodeDeviceInfo(data)
	if err != nil {
		return deviceInfo{}, err
	}

	entities, err := conn.listClimates()
	if err != nil {
		return deviceInfo{}, err
	}
	entity, err := l.pickEntity(entities)
	if err != nil {
		return deviceInfo{}, err
	}
	conn.entity = entity

	return info, nil
}

// pickEntity selects the configured climate entity or the first one.
func (l *NativeLink) pickEntity(entities []climateEntity) (climateEntity, error) {
	if len(entities) == 0 {
		return climateEntity{}, ErrNoClimateEntity
	}
	for _, e := range entities {
		if e.ObjectID == l.cfg.Entity {
			return e, nil
		}
	}
	if l.cfg.Entity != "" {
		l.logger.Warn("climate entity not found, using the first one",
			zap.String("entity", l.cfg.Entity),
			zap.String("using", entities[0].ObjectID),
		)
	}
	return entities[0], nil
}

// receive dispatches messages until the connection fails. The keepalive
// ping guarantees traffic within every ping interval.
func (l *NativeLink) receive(conn *apiConn) error {
	timeout := 3 * l.cfg.PingInterval
	for {
		typ, data, err := conn.receive(timeout)
		if err != nil {
			return err
		}
		if err := conn.control(typ); err != nil {
			return err
		}
		if typ != msgClimateState {
			continue
		}

		m, err := decodeClimateState(data)
		if err != nil {
			l.report(fmt.Errorf("failed to decode climate state: %w", err))
			continue
		}
		if m.Key != conn.entity.Key {
			continue
		}

		state := m.state(l.cfg.Capabilities)
		l.mu.Lock()
		h := l.handlers
		l.mu.Unlock()
		if h.OnState != nil {
			h.OnState(state)
		}
	}
}

func (l *NativeLink) keepalive(conn *apiConn, done <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.send(msgPingRequest, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// lost marks the device offline after a session ended.
func (l *NativeLink) lost(err error) {
	l.mu.Lock()
	wasOnline := l.online
	l.online = false
	l.conn = nil
	h := l.handlers
	l.mu.Unlock()

	if err != nil {
		l.report(err)
	}
	if wasOnline && h.OnDisconnected != nil {
		h.OnDisconnected()
	}
}

func (l *NativeLink) report(err error) {
	l.mu.Lock()
	h := l.handlers
	l.mu.Unlock()

	if h.OnError != nil {
		h.OnError(err)
		return
	}
	l.logger.Warn("device link error", zap.Error(err))
}

// apiConn is one native API session.
type apiConn struct {
	net.Conn
	codec  codec
	entity climateEntity

	writeMu sync.Mutex
}

func (c *apiConn) send(typ uint16, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	return c.codec.writeMessage(typ, data)
}

func (c *apiConn) receive(timeout time.Duration) (uint16, []byte, error) {
	if err := c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return c.codec.readMessage()
}

// control answers pings and disconnect requests.
func (c *apiConn) control(typ uint16) error {
	switch typ {
	case msgPingRequest:
		return c.send(msgPingResponse, nil)
	case msgDisconnectRequest:
		_ = c.send(msgDisconnectResponse, nil)
		return errDisconnectRequested
	}
	return nil
}

// request sends a message and waits for the response of type want.
func (c *apiConn) request(typ uint16, data []byte, want uint16) ([]byte, error) {
	if err := c.send(typ, data); err != nil {
		return nil, err
	}
	for {
		got, resp, err := c.receive(ioTimeout)
		if err != nil {
			return nil, err
		}
		if got == want {
			return resp, nil
		}
		if err := c.control(got); err != nil {
			return nil, err
		}
	}
}

// listClimates lists the device entities and keeps the climate ones.
func (c *apiConn) listClimates() ([]climateEntity, error) {
	if err := c.send(msgListEntitiesRequest, nil); err != nil {
		return nil, err
	}

	var entities []climateEntity
	for {
		typ, data, err := c.receive(ioTimeout)
		if err != nil {
			return nil, err
		}
		switch typ {
		case msgListEntitiesDone:
			return entities, nil
		case msgListEntitiesClimate:
			e, err := decodeClimateEntity(data)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		default:
			if err := c.control(typ); err != nil {
				return nil, err
			}
		}
	}
}
