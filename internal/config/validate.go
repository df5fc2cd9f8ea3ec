package config

import (
	"strings"

	"fieldgate/internal/codec"
	"fieldgate/internal/fault"
)

// Validate checks the whole configuration tree. Every violation is a
// configuration fault so invalid definitions never reach the runtime.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		device := &c.Devices[i]
		if err := device.Validate(); err != nil {
			return err
		}
		if _, ok := seen[device.ID]; ok {
			return fault.New(fault.KindConfiguration, "duplicate device id %q", device.ID)
		}
		seen[device.ID] = struct{}{}
	}
	for _, rule := range c.Rules {
		if rule.ID == "" || rule.Expr == "" {
			return fault.New(fault.KindConfiguration, "rule %q: id and expr are required", rule.ID)
		}
		if _, ok := seen[rule.Device]; rule.Device != "" && !ok {
			return fault.New(fault.KindConfiguration, "rule %q: unknown device %q", rule.ID, rule.Device)
		}
	}
	return nil
}

// Validate checks one device record.
func (d *DeviceConfig) Validate() error {
	if d.ID == "" {
		return fault.New(fault.KindConfiguration, "device id must not be empty")
	}
	if err := d.Connection.Validate(); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "device %s", d.ID)
	}
	names := make(map[string]struct{})
	for _, point := range d.DataPoints {
		if point.Range.Count == 0 {
			return fault.New(fault.KindConfiguration, "device %s: range count must be >0", d.ID)
		}
		class, err := ClassForFunction(point.Range.FunctionCode)
		if err != nil {
			return fault.Wrap(fault.KindConfiguration, err, "device %s", d.ID)
		}
		for _, param := range point.Parser.Parameters {
			if err := validateParameter(d.ID, class, point.Range, param); err != nil {
				return err
			}
			if _, ok := names[param.Name]; ok {
				return fault.New(fault.KindConfiguration, "device %s: duplicate parameter %q", d.ID, param.Name)
			}
			names[param.Name] = struct{}{}
		}
	}
	return nil
}

func validateParameter(deviceID string, class RegisterClass, r RangeConfig, p ParameterConfig) error {
	if p.Name == "" {
		return fault.New(fault.KindConfiguration, "device %s: parameter name must not be empty", deviceID)
	}
	if p.RegisterIndex == nil {
		return fault.New(fault.KindConfiguration, "device %s parameter %s: register_index is required", deviceID, p.Name)
	}
	if p.ScalingFactor < 0 {
		return fault.New(fault.KindConfiguration, "device %s parameter %s: scaling factor must be positive", deviceID, p.Name)
	}
	if p.DecimalPoint < 0 {
		return fault.New(fault.KindConfiguration, "device %s parameter %s: decimal point must be >=0", deviceID, p.Name)
	}
	if class.Bits() {
		if int(*p.RegisterIndex) >= int(r.Count) {
			return fault.New(fault.KindConfiguration, "device %s parameter %s: register index %d outside range of %d bits", deviceID, p.Name, *p.RegisterIndex, r.Count)
		}
		return nil
	}
	if p.DataType == "" {
		return fault.New(fault.KindConfiguration, "device %s parameter %s: data_type is required", deviceID, p.Name)
	}
	words, err := codec.WordCount(p.DataType)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "device %s parameter %s", deviceID, p.Name)
	}
	order := p.ByteOrder
	if order == "" {
		order = codec.DefaultOrder(p.DataType)
	}
	if err := codec.ValidateOrder(p.DataType, order); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "device %s parameter %s", deviceID, p.Name)
	}
	if int(*p.RegisterIndex)+words > int(r.Count) {
		return fault.New(fault.KindConfiguration, "device %s parameter %s: register index %d plus %d words exceeds range count %d", deviceID, p.Name, *p.RegisterIndex, words, r.Count)
	}
	return nil
}

// Validate checks the connection variant for completeness.
func (c *ConnectionConfig) Validate() error {
	switch strings.ToLower(c.Type) {
	case "network":
		if c.Host == "" {
			return fault.New(fault.KindConfiguration, "network connection requires a host")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fault.New(fault.KindConfiguration, "network connection port %d out of range", c.Port)
		}
	case "serial":
		if c.Serial == "" {
			return fault.New(fault.KindConfiguration, "serial connection requires a port path")
		}
		if c.BaudRate <= 0 {
			return fault.New(fault.KindConfiguration, "serial connection requires a baud rate")
		}
		switch strings.ToUpper(c.Parity) {
		case "", "N", "E", "O":
		default:
			return fault.New(fault.KindConfiguration, "serial parity %q not one of N/E/O", c.Parity)
		}
	default:
		return fault.New(fault.KindConfiguration, "connection type %q not one of network/serial", c.Type)
	}
	return nil
}
