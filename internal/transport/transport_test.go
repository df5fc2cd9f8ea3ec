package transport

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"

	"fieldgate/internal/config"
	"fieldgate/internal/fault"
)

func TestDialTCPConnectsAndConfigures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	connected := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(connected)
		conn.Close()
	}()

	host, port := splitAddr(t, ln.Addr().String())
	client, err := dialTCP(config.ConnectionConfig{Type: "network", Host: host, Port: port, UnitID: 17})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("expected connection to be established")
	}

	tcp, ok := client.(*tcpClient)
	require.True(t, ok, "expected *tcpClient, got %T", client)
	require.Equal(t, byte(17), tcp.handler.SlaveId)
	require.Equal(t, 5*time.Second, tcp.handler.Timeout)
}

func TestDialTCPConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitAddr(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	_, err = dialTCP(config.ConnectionConfig{Type: "network", Host: host, Port: port})
	require.Error(t, err)
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
}

func TestPortTableExclusiveAcquisition(t *testing.T) {
	table := NewPortTable()
	require.NoError(t, table.Acquire("/dev/ttyUSB0"))

	err := table.Acquire("/dev/ttyUSB0")
	require.Error(t, err)
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
	require.Contains(t, err.Error(), "port busy")

	// Other paths are unaffected.
	require.NoError(t, table.Acquire("/dev/ttyUSB1"))

	table.Release("/dev/ttyUSB0")
	require.NoError(t, table.Acquire("/dev/ttyUSB0"))
}

func TestPortTableReleaseIsIdempotent(t *testing.T) {
	table := NewPortTable()
	require.NoError(t, table.Acquire("/dev/ttyS0"))
	table.Release("/dev/ttyS0")
	table.Release("/dev/ttyS0")
	require.False(t, table.Held("/dev/ttyS0"))
}

func TestDialSerialReleasesPortOnFailure(t *testing.T) {
	table := NewPortTable()
	// A path that cannot be opened: the handler connect fails and the port
	// must be free again afterwards.
	cfg := config.ConnectionConfig{Type: "serial", Serial: "/nonexistent/tty", BaudRate: 9600}
	_, err := dialSerial(cfg, table)
	require.Error(t, err)
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
	require.False(t, table.Held("/nonexistent/tty"))
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify(nil, "read"))

	exception := &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}
	err := Classify(exception, "read device a")
	require.Equal(t, fault.KindProtocol, fault.KindOf(err))

	err = Classify(errors.New("i/o timeout"), "read device a")
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
}

func TestManagerRejectsUnknownType(t *testing.T) {
	m := NewManager()
	_, err := m.Dial(config.ConnectionConfig{Type: "bluetooth"})
	require.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
