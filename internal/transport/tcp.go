package transport

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"fieldgate/internal/config"
	"fieldgate/internal/fault"
)

const defaultNetworkTimeout = 5 * time.Second

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func dialTCP(cfg config.ConnectionConfig) (Client, error) {
	if cfg.Host == "" {
		return nil, fault.New(fault.KindConfiguration, "network connection requires a host")
	}
	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = cfg.UnitID
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultNetworkTimeout
	}
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		// Connect opens the socket eagerly; close the handler so a half-open
		// handle never leaks on the failure path.
		_ = handler.Close()
		return nil, fault.Wrap(fault.KindConnection, err, "connect %s", address)
	}
	return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
}

func (c *tcpClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return c.client.WriteMultipleRegisters(address, quantity, value)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
