// Package transport owns the wire-level Modbus connections. Each device gets
// at most one live client; serial ports are an exclusive resource tracked by
// an owned table so two devices can never share a path.
package transport

import (
	"errors"
	"strings"

	"github.com/goburrow/modbus"

	"fieldgate/internal/config"
	"fieldgate/internal/fault"
)

// Client is the subset of Modbus operations the gateway performs. Every call
// is bounded by the handler timeout configured at dial time.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// Dialer opens a client for a connection setting. Device instances hold a
// dialer instead of a client so connections can open lazily on first I/O.
type Dialer func(cfg config.ConnectionConfig) (Client, error)

// Manager dials network and serial clients and enforces exclusive serial
// port ownership. A single manager instance is shared by all devices.
type Manager struct {
	ports *PortTable
}

// NewManager builds a connection manager with an empty port table.
func NewManager() *Manager {
	return &Manager{ports: NewPortTable()}
}

// Dial opens a connection for the given setting.
func (m *Manager) Dial(cfg config.ConnectionConfig) (Client, error) {
	switch strings.ToLower(cfg.Type) {
	case "network":
		return dialTCP(cfg)
	case "serial":
		return dialSerial(cfg, m.ports)
	default:
		return nil, fault.New(fault.KindConfiguration, "connection type %q not one of network/serial", cfg.Type)
	}
}

// Classify tags a raw goburrow error: device-reported exceptions become
// protocol faults, everything else (dial, timeout, broken pipe) is a
// connection fault.
func Classify(err error, context string) error {
	if err == nil {
		return nil
	}
	var exception *modbus.ModbusError
	if errors.As(err, &exception) {
		return fault.Wrap(fault.KindProtocol, err, "%s", context)
	}
	return fault.Wrap(fault.KindConnection, err, "%s", context)
}
