package device

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fieldgate/internal/codec"
	"fieldgate/internal/config"
	"fieldgate/internal/fault"
	"fieldgate/internal/transport"
)

type invocation struct {
	op    string
	start uint16
	count uint16
}

type fakeClient struct {
	mu        sync.Mutex
	calls     []invocation
	responses map[invocation][]byte
	failures  map[invocation]error
	writes    []invocation
	closed    int

	delay       time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[invocation][]byte),
		failures:  make(map[invocation]error),
	}
}

func (c *fakeClient) enter() {
	current := atomic.AddInt32(&c.inFlight, 1)
	for {
		max := atomic.LoadInt32(&c.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&c.maxInFlight, max, current) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
}

func (c *fakeClient) leave() {
	atomic.AddInt32(&c.inFlight, -1)
}

func (c *fakeClient) read(op string, start, count uint16) ([]byte, error) {
	c.enter()
	defer c.leave()
	call := invocation{op: op, start: start, count: count}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	err := c.failures[call]
	payload := c.responses[call]
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *fakeClient) ReadCoils(start, count uint16) ([]byte, error) {
	return c.read("coils", start, count)
}

func (c *fakeClient) ReadDiscreteInputs(start, count uint16) ([]byte, error) {
	return c.read("discrete", start, count)
}

func (c *fakeClient) ReadHoldingRegisters(start, count uint16) ([]byte, error) {
	return c.read("holding", start, count)
}

func (c *fakeClient) ReadInputRegisters(start, count uint16) ([]byte, error) {
	return c.read("input", start, count)
}

func (c *fakeClient) WriteSingleCoil(start, value uint16) ([]byte, error) {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, invocation{op: "write-coil", start: start, count: value})
	return nil, nil
}

func (c *fakeClient) WriteSingleRegister(start, value uint16) ([]byte, error) {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, invocation{op: "write-single", start: start, count: value})
	return nil, nil
}

func (c *fakeClient) WriteMultipleRegisters(start, count uint16, _ []byte) ([]byte, error) {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, invocation{op: "write-multi", start: start, count: count})
	return nil, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls) + len(c.writes)
}

func dialerFor(client transport.Client, dials *int32) transport.Dialer {
	return func(config.ConnectionConfig) (transport.Client, error) {
		if dials != nil {
			atomic.AddInt32(dials, 1)
		}
		return client, nil
	}
}

func idx(v uint16) *uint16 { return &v }

func networkDevice(t *testing.T, points []config.DataPointConfig, dial transport.Dialer) *Device {
	t.Helper()
	cfg := config.DeviceConfig{
		ID:      "d1",
		Name:    "Test Device",
		Enabled: true,
		Connection: config.ConnectionConfig{
			Type: "network", Host: "127.0.0.1", Port: 502, UnitID: 1,
		},
		DataPoints: points,
	}
	d, err := New(cfg, dial, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestReadAllGroupsContiguousParameters(t *testing.T) {
	client := newFakeClient()
	// Registers 0..2: uint16 at 0, uint16 at 1, then one float32 at 2..3.
	payload := make([]byte, 8)
	binary.BigEndian.PutUint16(payload[0:], 120)
	binary.BigEndian.PutUint16(payload[2:], 55)
	binary.BigEndian.PutUint32(payload[4:], math.Float32bits(250.0))
	client.responses[invocation{op: "holding", start: 0, count: 4}] = payload

	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 4, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0), ScalingFactor: 10, DecimalPoint: 1},
			{Name: "p1", DataType: codec.UInt16, RegisterIndex: idx(1)},
			{Name: "p2", DataType: codec.Float32, RegisterIndex: idx(2), ScalingFactor: 10, DecimalPoint: 1},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))

	readings, err := d.ReadAll(time.Now())
	require.NoError(t, err)
	require.Len(t, readings, 3)
	require.Equal(t, 1, client.callCount(), "contiguous parameters must coalesce into one read")
	require.Equal(t, 12.0, *readings[0].Value)
	require.Equal(t, 55.0, *readings[1].Value)
	require.Equal(t, 25.0, *readings[2].Value)
}

func TestReadAllPartialFailureKeepsHealthyParameters(t *testing.T) {
	client := newFakeClient()
	good := make([]byte, 2)
	binary.BigEndian.PutUint16(good, 42)
	client.responses[invocation{op: "holding", start: 10, count: 1}] = good
	client.failures[invocation{op: "holding", start: 900, count: 1}] = &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}

	points := []config.DataPointConfig{
		{
			Range: config.RangeConfig{StartAddress: 10, Count: 1, FunctionCode: 3},
			Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
				{Name: "good", DataType: codec.UInt16, RegisterIndex: idx(0)},
			}},
		},
		{
			Range: config.RangeConfig{StartAddress: 900, Count: 1, FunctionCode: 3},
			Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
				{Name: "bad", DataType: codec.UInt16, RegisterIndex: idx(0)},
			}},
		},
	}
	d := networkDevice(t, points, dialerFor(client, nil))

	readings, err := d.ReadAll(time.Now())
	require.NoError(t, err, "a device exception must not fail the whole pass")
	require.Len(t, readings, 2)
	require.NotNil(t, readings[0].Value)
	require.Equal(t, 42.0, *readings[0].Value)
	require.Nil(t, readings[1].Value)
	require.NotEmpty(t, readings[1].Error)
}

func TestReadAllConnectionFailureFailsPassAndDropsClient(t *testing.T) {
	client := newFakeClient()
	client.failures[invocation{op: "holding", start: 0, count: 1}] = errTimeout{}

	var dials int32
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, &dials))

	_, err := d.ReadAll(time.Now())
	require.Error(t, err)
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
	require.False(t, d.Connected())

	// Next pass reconnects.
	_, _ = d.ReadAll(time.Now())
	require.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

type errTimeout struct{}

func (errTimeout) Error() string { return "i/o timeout" }

func TestLazyConnectOnFirstIO(t *testing.T) {
	client := newFakeClient()
	client.responses[invocation{op: "holding", start: 0, count: 1}] = []byte{0x00, 0x01}
	var dials int32
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, &dials))

	require.Equal(t, int32(0), atomic.LoadInt32(&dials), "no connection before first I/O")
	_, err := d.ReadAll(time.Now())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	_, err = d.ReadAll(time.Now())
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&dials), "client is reused")
}

func TestWriteDisabledDeviceIssuesNoTransportCalls(t *testing.T) {
	client := newFakeClient()
	var dials int32
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "setpoint", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, &dials))
	d.SetEnabled(false)

	err := d.Write("setpoint", 1)
	require.Equal(t, fault.KindDisabledDevice, fault.KindOf(err))
	require.Equal(t, 0, client.callCount())
	require.Equal(t, int32(0), atomic.LoadInt32(&dials))
}

func TestReadDisabledDeviceIssuesNoTransportCalls(t *testing.T) {
	client := newFakeClient()
	client.responses[invocation{op: "holding", start: 0, count: 1}] = []byte{0x00, 0x01}
	var dials int32
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, &dials))

	_, err := d.ReadAll(time.Now()) // open the connection
	require.NoError(t, err)
	d.SetEnabled(false)
	require.False(t, d.Connected(), "disabling must tear down the connection")

	_, err = d.ReadAll(time.Now())
	require.Equal(t, fault.KindDisabledDevice, fault.KindOf(err))
	_, err = d.Read("p0", time.Now())
	require.Equal(t, fault.KindDisabledDevice, fault.KindOf(err))

	require.Equal(t, 1, client.callCount(), "no I/O after disable")
	require.Equal(t, int32(1), atomic.LoadInt32(&dials), "a disabled device must not be re-dialed")
	require.False(t, d.Connected())

	d.SetEnabled(true)
	_, err = d.ReadAll(time.Now())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&dials))
}

func TestWriteSingleAndMultipleRegisters(t *testing.T) {
	client := newFakeClient()
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 100, Count: 3, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "short", DataType: codec.UInt16, RegisterIndex: idx(0), ScalingFactor: 10},
			{Name: "wide", DataType: codec.Float32, RegisterIndex: idx(1)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))

	require.NoError(t, d.Write("short", 12.3))
	require.NoError(t, d.Write("wide", 25.0))

	require.Len(t, client.writes, 2)
	require.Equal(t, invocation{op: "write-single", start: 100, count: 123}, client.writes[0])
	require.Equal(t, "write-multi", client.writes[1].op)
	require.Equal(t, uint16(101), client.writes[1].start)
	require.Equal(t, uint16(2), client.writes[1].count)
}

func TestWriteRegisterBypassesParameterSet(t *testing.T) {
	client := newFakeClient()
	d := networkDevice(t, nil, dialerFor(client, nil))

	require.NoError(t, d.WriteRegister(7, 3, codec.UInt16, codec.OrderAB))
	require.Len(t, client.writes, 1)
	require.Equal(t, invocation{op: "write-single", start: 7, count: 3}, client.writes[0])
}

func TestWriteUnknownParameter(t *testing.T) {
	client := newFakeClient()
	d := networkDevice(t, nil, dialerFor(client, nil))
	err := d.Write("ghost", 1)
	require.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestCoilAndDiscreteDecoding(t *testing.T) {
	client := newFakeClient()
	client.responses[invocation{op: "coils", start: 4, count: 2}] = []byte{0x02} // bit1 set
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 4, Count: 2, FunctionCode: 1},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "off", RegisterIndex: idx(0)},
			{Name: "on", RegisterIndex: idx(1)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))

	readings, err := d.ReadAll(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0.0, *readings[0].Value)
	require.Equal(t, 1.0, *readings[1].Value)
}

func TestConcurrentIONeverOverlaps(t *testing.T) {
	client := newFakeClient()
	client.delay = 2 * time.Millisecond
	client.responses[invocation{op: "holding", start: 0, count: 1}] = []byte{0x00, 0x01}
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				_, _ = d.ReadAll(time.Now())
			} else {
				_ = d.Write("p0", float64(n))
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&client.maxInFlight), "transport calls must be serialized per device")
}

func TestTemperatureScenario(t *testing.T) {
	client := newFakeClient()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, math.Float32bits(250.0))
	client.responses[invocation{op: "holding", start: 100, count: 2}] = payload

	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 100, Count: 2, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{{
			Name: "Temperature", DataType: codec.Float32, ByteOrder: codec.OrderABCD,
			ScalingFactor: 10, DecimalPoint: 1, RegisterIndex: idx(0), Unit: "C",
		}}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))

	reading, err := d.Read("Temperature", time.Now())
	require.NoError(t, err)
	require.Equal(t, 25.0, *reading.Value)
	require.Equal(t, "C", reading.Unit)
}

func TestRegistryReplaceClosesPrior(t *testing.T) {
	registry := NewRegistry()
	clientA := newFakeClient()
	clientA.responses[invocation{op: "holding", start: 0, count: 1}] = []byte{0x00, 0x01}
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	first := networkDevice(t, points, dialerFor(clientA, nil))
	_, err := first.ReadAll(time.Now()) // open the connection
	require.NoError(t, err)
	registry.Register(first)

	second := networkDevice(t, points, dialerFor(newFakeClient(), nil))
	registry.Register(second)

	require.Equal(t, 1, clientA.closed, "replacing a device must close the prior instance")
	got, err := registry.Get("d1")
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestRegistryUnregisterClosesAndForgets(t *testing.T) {
	registry := NewRegistry()
	client := newFakeClient()
	client.responses[invocation{op: "holding", start: 0, count: 1}] = []byte{0x00, 0x01}
	points := []config.DataPointConfig{{
		Range: config.RangeConfig{StartAddress: 0, Count: 1, FunctionCode: 3},
		Parser: config.ParserConfig{Parameters: []config.ParameterConfig{
			{Name: "p0", DataType: codec.UInt16, RegisterIndex: idx(0)},
		}},
	}}
	d := networkDevice(t, points, dialerFor(client, nil))
	_, err := d.ReadAll(time.Now())
	require.NoError(t, err)

	registry.Register(d)
	registry.Unregister("d1")
	require.Equal(t, 1, client.closed)
	_, err = registry.Get("d1")
	require.Error(t, err)

	registry.Unregister("d1") // idempotent
}

func TestAddParameterRejectsDuplicates(t *testing.T) {
	d := networkDevice(t, nil, dialerFor(newFakeClient(), nil))
	p := Parameter{Name: "twice", Class: config.ClassHolding, DataType: codec.UInt16, ByteOrder: codec.OrderAB, Words: 1}
	require.NoError(t, d.AddParameter(p))
	err := d.AddParameter(p)
	require.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestPlanGroupsSplitsOnGaps(t *testing.T) {
	params := []Parameter{
		{Name: "a", Class: config.ClassHolding, Address: 0, Words: 1},
		{Name: "b", Class: config.ClassHolding, Address: 1, Words: 2},
		{Name: "c", Class: config.ClassHolding, Address: 10, Words: 1},
		{Name: "d", Class: config.ClassInput, Address: 0, Words: 1},
	}
	groups := planGroups(params)
	require.Len(t, groups, 3)
	holding := groups[:2]
	require.Equal(t, uint16(0), holding[0].start)
	require.Equal(t, uint16(3), holding[0].count)
	require.Equal(t, uint16(10), holding[1].start)
}
