// Package device binds transport clients to parameter definitions and turns
// raw register reads into decoded readings. All I/O against a single device is
// serialized behind one mutex so poll reads, manual writes and forced syncs
// never overlap on the shared link.
package device

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldgate/internal/codec"
	"fieldgate/internal/config"
	"fieldgate/internal/fault"
	"fieldgate/internal/state"
	"fieldgate/internal/transport"
)

// Device is one field device with its parameter set and (at most one) live
// transport client. The connection opens lazily on first I/O.
type Device struct {
	cfg    config.DeviceConfig
	dial   transport.Dialer
	logger zerolog.Logger

	mu      sync.Mutex // serializes all I/O, FIFO
	client  transport.Client
	params  []Parameter
	names   map[string]int
	groups  []readGroup
	enabled bool
}

// New builds a device from its configuration record. Parameter definitions
// are validated eagerly; an invalid definition is a configuration fault.
func New(cfg config.DeviceConfig, dial transport.Dialer, logger zerolog.Logger) (*Device, error) {
	d := &Device{
		cfg:     cfg,
		dial:    dial,
		logger:  logger.With().Str("device", cfg.ID).Logger(),
		names:   make(map[string]int),
		enabled: cfg.Enabled,
	}
	for _, point := range cfg.DataPoints {
		class, err := config.ClassForFunction(point.Range.FunctionCode)
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "device %s", cfg.ID)
		}
		for _, pc := range point.Parser.Parameters {
			param, err := buildParameter(class, point.Range, pc)
			if err != nil {
				return nil, fault.Wrap(fault.KindConfiguration, err, "device %s", cfg.ID)
			}
			if err := d.AddParameter(param); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// ID returns the configuration id.
func (d *Device) ID() string { return d.cfg.ID }

// Name returns the display name.
func (d *Device) Name() string { return d.cfg.Name }

// PollInterval returns the per-device poll interval, zero when unset.
func (d *Device) PollInterval() time.Duration { return d.cfg.Poll.Duration }

// Enabled reports whether I/O is allowed.
func (d *Device) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled toggles the device. Disabling tears down the live connection.
func (d *Device) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	if !enabled {
		d.closeLocked()
	}
}

// Connected reports whether a transport client is currently open.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// AddParameter registers a parameter and replans the physical reads.
// Duplicate names are rejected.
func (d *Device) AddParameter(p Parameter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.names[p.Name]; exists {
		return fault.New(fault.KindConfiguration, "device %s: duplicate parameter %q", d.cfg.ID, p.Name)
	}
	d.names[p.Name] = len(d.params)
	d.params = append(d.params, p)
	d.groups = planGroups(d.params)
	return nil
}

// Parameters returns the ordered parameter definitions.
func (d *Device) Parameters() []Parameter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Parameter, len(d.params))
	copy(out, d.params)
	return out
}

func (d *Device) ensureClientLocked() (transport.Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	client, err := d.dial(d.cfg.Connection)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

func (d *Device) closeLocked() {
	if d.client == nil {
		return
	}
	_ = d.client.Close()
	d.client = nil
}

// Close tears down the live connection. Safe to call repeatedly.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *Device) readWindow(client transport.Client, class config.RegisterClass, start, count uint16) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch class {
	case config.ClassCoil:
		payload, err = client.ReadCoils(start, count)
	case config.ClassDiscrete:
		payload, err = client.ReadDiscreteInputs(start, count)
	case config.ClassHolding:
		payload, err = client.ReadHoldingRegisters(start, count)
	case config.ClassInput:
		payload, err = client.ReadInputRegisters(start, count)
	default:
		return nil, fault.New(fault.KindConfiguration, "unsupported register class %q", class)
	}
	if err != nil {
		return nil, transport.Classify(err, "read "+string(class))
	}
	return payload, nil
}

func (d *Device) decodeFromWindow(p Parameter, payload []byte, start uint16, now time.Time) state.Reading {
	reading := state.Reading{Name: p.Name, Address: p.Address, Unit: p.Unit, Timestamp: now}
	if p.Class.Bits() {
		bitIndex := int(p.Address - start)
		byteIndex := bitIndex / 8
		if byteIndex >= len(payload) {
			reading.Error = fault.New(fault.KindDecode, "bit %d outside response of %d bytes", bitIndex, len(payload)).Error()
			return reading
		}
		bit := (payload[byteIndex] >> uint(bitIndex%8)) & 0x01
		value := codec.ScaleValue(float64(bit), p.Scale, p.Decimals)
		reading.Value = &value
		return reading
	}
	offset := int(p.Address-start) * 2
	if offset < 0 || offset+p.Words*2 > len(payload) {
		reading.Error = fault.New(fault.KindDecode, "parameter window outside response of %d bytes", len(payload)).Error()
		return reading
	}
	value, err := codec.Decode(payload[offset:offset+p.Words*2], p.DataType, p.ByteOrder, p.Scale, p.Decimals)
	if err != nil {
		reading.Error = err.Error()
		return reading
	}
	reading.Value = &value
	return reading
}

// ReadAll performs the planned physical reads and decodes every parameter.
// A disabled device refuses the pass before any transport call. A protocol
// or decode failure degrades only the affected parameters; a connection
// failure fails the whole pass and drops the client so the next pass
// reconnects.
func (d *Device) ReadAll(now time.Time) ([]state.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return nil, fault.New(fault.KindDisabledDevice, "device %s is disabled", d.cfg.ID)
	}
	client, err := d.ensureClientLocked()
	if err != nil {
		return nil, err
	}

	readings := make([]state.Reading, len(d.params))
	for _, group := range d.groups {
		payload, err := d.readWindow(client, group.class, group.start, group.count)
		if err != nil {
			if fault.IsKind(err, fault.KindConnection) {
				d.closeLocked()
				return nil, err
			}
			// Device-reported exception: null out this group only.
			for _, idx := range group.params {
				p := d.params[idx]
				readings[idx] = state.Reading{Name: p.Name, Address: p.Address, Unit: p.Unit, Timestamp: now, Error: err.Error()}
			}
			d.logger.Warn().Err(err).Str("class", string(group.class)).Uint16("start", group.start).Msg("read window degraded")
			continue
		}
		for _, idx := range group.params {
			readings[idx] = d.decodeFromWindow(d.params[idx], payload, group.start, now)
		}
	}
	return readings, nil
}

// Read fetches and decodes a single parameter by name.
func (d *Device) Read(name string, now time.Time) (state.Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return state.Reading{}, fault.New(fault.KindDisabledDevice, "device %s is disabled", d.cfg.ID)
	}
	idx, ok := d.names[name]
	if !ok {
		return state.Reading{}, fault.New(fault.KindConfiguration, "device %s: unknown parameter %q", d.cfg.ID, name)
	}
	p := d.params[idx]
	client, err := d.ensureClientLocked()
	if err != nil {
		return state.Reading{}, err
	}
	payload, err := d.readWindow(client, p.Class, p.Address, uint16(p.Words))
	if err != nil {
		if fault.IsKind(err, fault.KindConnection) {
			d.closeLocked()
		}
		return state.Reading{}, err
	}
	return d.decodeFromWindow(p, payload, p.Address, now), nil
}

// Write encodes and writes a configured parameter. The enabled flag is
// checked before any transport call; writes are all-or-nothing.
func (d *Device) Write(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return fault.New(fault.KindDisabledDevice, "device %s is disabled", d.cfg.ID)
	}
	idx, ok := d.names[name]
	if !ok {
		return fault.New(fault.KindConfiguration, "device %s: unknown parameter %q", d.cfg.ID, name)
	}
	p := d.params[idx]
	return d.writeLocked(p.Class, p.Address, value, p.DataType, p.ByteOrder, p.Scale)
}

// WriteRegister writes an explicitly described holding register, bypassing
// the configured parameter set. Used by the control surface where the caller
// supplies data type, byte order and register address.
func (d *Device) WriteRegister(address uint16, value float64, dt codec.DataType, order codec.ByteOrder) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return fault.New(fault.KindDisabledDevice, "device %s is disabled", d.cfg.ID)
	}
	if order == "" {
		order = codec.DefaultOrder(dt)
	}
	return d.writeLocked(config.ClassHolding, address, value, dt, order, 1)
}

func (d *Device) writeLocked(class config.RegisterClass, address uint16, value float64, dt codec.DataType, order codec.ByteOrder, scale float64) error {
	switch class {
	case config.ClassCoil:
		// encode a bool-ish value; anything non-zero switches the coil on
	case config.ClassHolding:
	default:
		return fault.New(fault.KindConfiguration, "register class %q is not writable", class)
	}

	client, err := d.ensureClientLocked()
	if err != nil {
		return err
	}

	if class == config.ClassCoil {
		var coil uint16
		if value != 0 {
			coil = 0xFF00
		}
		if _, err := client.WriteSingleCoil(address, coil); err != nil {
			return d.failWriteLocked(err, address)
		}
		return nil
	}

	words, err := codec.Encode(value, dt, order, scale)
	if err != nil {
		return err
	}
	if len(words) == 1 {
		if _, err := client.WriteSingleRegister(address, words[0]); err != nil {
			return d.failWriteLocked(err, address)
		}
		return nil
	}
	if _, err := client.WriteMultipleRegisters(address, uint16(len(words)), codec.Bytes(words)); err != nil {
		return d.failWriteLocked(err, address)
	}
	return nil
}

func (d *Device) failWriteLocked(err error, address uint16) error {
	tagged := transport.Classify(err, "write register")
	if fault.IsKind(tagged, fault.KindConnection) {
		d.closeLocked()
	}
	d.logger.Error().Err(err).Uint16("address", address).Msg("write failed")
	return tagged
}
