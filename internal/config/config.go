package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fieldgate/internal/codec"
	"fieldgate/internal/fault"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// RegisterClass names the register kind a range addresses. It maps 1:1 to a
// Modbus function code on the read path.
type RegisterClass string

const (
	ClassCoil     RegisterClass = "coil"
	ClassDiscrete RegisterClass = "discrete_input"
	ClassHolding  RegisterClass = "holding_register"
	ClassInput    RegisterClass = "input_register"
)

// ClassForFunction resolves a configured function code to its register class.
func ClassForFunction(code int) (RegisterClass, error) {
	switch code {
	case 1:
		return ClassCoil, nil
	case 2:
		return ClassDiscrete, nil
	case 3:
		return ClassHolding, nil
	case 4:
		return ClassInput, nil
	default:
		return "", fault.New(fault.KindConfiguration, "unsupported function code %d", code)
	}
}

// Bits reports whether the class yields bit values instead of register words.
func (c RegisterClass) Bits() bool {
	return c == ClassCoil || c == ClassDiscrete
}

// ConnectionConfig is the tagged connection variant of a device.
type ConnectionConfig struct {
	Type     string   `yaml:"type"` // "network" or "serial"
	Host     string   `yaml:"host,omitempty"`
	Port     int      `yaml:"port,omitempty"`
	UnitID   uint8    `yaml:"unit_id"`
	Serial   string   `yaml:"serial_port,omitempty"`
	BaudRate int      `yaml:"baud_rate,omitempty"`
	DataBits int      `yaml:"data_bits,omitempty"`
	StopBits int      `yaml:"stop_bits,omitempty"`
	Parity   string   `yaml:"parity,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// ParameterConfig defines how a slice of a data-point buffer becomes a typed
// engineering value.
type ParameterConfig struct {
	Name          string          `yaml:"name"`
	DataType      codec.DataType  `yaml:"data_type"`
	ScalingFactor float64         `yaml:"scaling_factor,omitempty"`
	DecimalPoint  int32           `yaml:"decimal_point,omitempty"`
	ByteOrder     codec.ByteOrder `yaml:"byte_order,omitempty"`
	RegisterIndex *uint16         `yaml:"register_index"`
	Unit          string          `yaml:"unit,omitempty"`
}

// RangeConfig describes one physical read: a contiguous address window and the
// function code used to fetch it.
type RangeConfig struct {
	StartAddress uint16 `yaml:"start_address"`
	Count        uint16 `yaml:"count"`
	FunctionCode int    `yaml:"function_code"`
}

// ParserConfig groups the parameters decoded from one range buffer.
type ParserConfig struct {
	Parameters []ParameterConfig `yaml:"parameters"`
}

// DataPointConfig couples a register range with its parser.
type DataPointConfig struct {
	Range  RangeConfig  `yaml:"range"`
	Parser ParserConfig `yaml:"parser"`
}

// LegacyRegisterConfig is the flat register form still emitted by older
// configuration stores. Each entry maps 1:1 to a single-parameter data point
// with function code 3 and default byte order.
type LegacyRegisterConfig struct {
	Name        string          `yaml:"name"`
	Address     uint16          `yaml:"address"`
	Length      uint16          `yaml:"length"`
	ScaleFactor float64         `yaml:"scale_factor,omitempty"`
	ByteOrder   codec.ByteOrder `yaml:"byte_order,omitempty"`
	Unit        string          `yaml:"unit,omitempty"`
}

// DeviceConfig is one device record from the configuration store.
type DeviceConfig struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Enabled    bool                   `yaml:"enabled"`
	Connection ConnectionConfig       `yaml:"connection"`
	DataPoints []DataPointConfig      `yaml:"data_points,omitempty"`
	Registers  []LegacyRegisterConfig `yaml:"registers,omitempty"`
	Poll       Duration               `yaml:"poll,omitempty"`
}

// RuleConfig is an alert expression evaluated against a device's decoded
// readings after every poll.
type RuleConfig struct {
	ID      string `yaml:"id"`
	Device  string `yaml:"device"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig selects the metrics backend.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// MonitorConfig sets the shared scan loop cadence, either by preset name or
// as an arbitrary millisecond value.
type MonitorConfig struct {
	Speed      string `yaml:"speed,omitempty"`
	IntervalMS int    `yaml:"interval_ms,omitempty"`
}

// HistoryConfig points the append-only series sink at a file. The gateway
// writes the series but does not own or query it.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

// Config is the root configuration structure for the gateway.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	History   HistoryConfig   `yaml:"history"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Rules     []RuleConfig    `yaml:"rules,omitempty"`
}

// Load reads, decodes, normalizes and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Devices {
		cfg.Devices[i].Normalize()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize maps the legacy flat register form onto single-parameter data
// points: function code 3, default byte order AB for one-word entries and
// ABCD for two-word entries.
func (d *DeviceConfig) Normalize() {
	if len(d.Registers) == 0 {
		return
	}
	for _, reg := range d.Registers {
		dataType := codec.UInt16
		if reg.Length >= 2 {
			dataType = codec.Float32
		}
		order := reg.ByteOrder
		if order == "" {
			order = codec.DefaultOrder(dataType)
		}
		index := uint16(0)
		d.DataPoints = append(d.DataPoints, DataPointConfig{
			Range: RangeConfig{StartAddress: reg.Address, Count: maxCount(reg.Length, 1), FunctionCode: 3},
			Parser: ParserConfig{Parameters: []ParameterConfig{{
				Name:          reg.Name,
				DataType:      dataType,
				ScalingFactor: reg.ScaleFactor,
				ByteOrder:     order,
				RegisterIndex: &index,
				Unit:          reg.Unit,
			}}},
		})
	}
	d.Registers = nil
}

func maxCount(v, floor uint16) uint16 {
	if v < floor {
		return floor
	}
	return v
}
