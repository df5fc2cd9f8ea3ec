package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"fieldgate/internal/config"
	"fieldgate/internal/fault"
)

const defaultSerialTimeout = 3 * time.Second

// PortTable tracks which serial port paths are currently held by a live
// client. Acquisition fails immediately instead of blocking; ports are a
// single exclusive resource keyed by path.
type PortTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewPortTable returns an empty table.
func NewPortTable() *PortTable {
	return &PortTable{held: make(map[string]struct{})}
}

// Acquire marks the path as in use. A second acquisition while held fails
// with a connection fault ("port busy") rather than waiting.
func (t *PortTable) Acquire(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[path]; busy {
		return fault.New(fault.KindConnection, "port busy: %s", path)
	}
	t.held[path] = struct{}{}
	return nil
}

// Release frees the path. Releasing an unheld path is a no-op.
func (t *PortTable) Release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, path)
}

// Held reports whether the path is currently acquired.
func (t *PortTable) Held(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.held[path]
	return busy
}

type serialClient struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
	ports   *PortTable
	path    string

	closeOnce sync.Once
	closeErr  error
}

func dialSerial(cfg config.ConnectionConfig, ports *PortTable) (Client, error) {
	if cfg.Serial == "" {
		return nil, fault.New(fault.KindConfiguration, "serial connection requires a port path")
	}
	if err := ports.Acquire(cfg.Serial); err != nil {
		return nil, err
	}

	handler := modbus.NewRTUClientHandler(cfg.Serial)
	handler.BaudRate = cfg.BaudRate
	if cfg.DataBits > 0 {
		handler.DataBits = cfg.DataBits
	}
	if cfg.StopBits > 0 {
		handler.StopBits = cfg.StopBits
	}
	if parity := strings.ToUpper(cfg.Parity); parity != "" {
		handler.Parity = parity
	}
	handler.SlaveId = cfg.UnitID
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultSerialTimeout
	}
	handler.Timeout = timeout

	if err := handler.Connect(); err != nil {
		_ = handler.Close()
		ports.Release(cfg.Serial)
		return nil, fault.Wrap(fault.KindConnection, err, "open serial port %s", cfg.Serial)
	}
	return &serialClient{handler: handler, client: modbus.NewClient(handler), ports: ports, path: cfg.Serial}, nil
}

func (c *serialClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *serialClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *serialClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *serialClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *serialClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *serialClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *serialClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleRegisters(address, quantity, value)
}

// Close shuts the handler and releases the port exactly once, however many
// times it is called.
func (c *serialClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.handler.Close()
		c.ports.Release(c.path)
	})
	return c.closeErr
}
