// Package control performs validated setpoint writes. Automated schedules
// always take precedence over manual requests: every write first consults
// the external schedule collaborator and is rejected without any transport
// I/O while a schedule governs the device.
package control

import (
	"context"

	"github.com/rs/zerolog"

	"fieldgate/internal/codec"
	"fieldgate/internal/device"
	"fieldgate/internal/fault"
	"fieldgate/telemetry"
)

// ScheduleChecker is the external collaborator that knows whether an
// automated schedule currently governs a device.
type ScheduleChecker interface {
	Scheduled(ctx context.Context, deviceID string) (bool, error)
}

// Request is one manual setpoint write.
type Request struct {
	DeviceID      string          `json:"deviceId"`
	Name          string          `json:"name"`
	Value         float64         `json:"value"`
	DataType      codec.DataType  `json:"dataType,omitempty"`
	RegisterIndex *uint16         `json:"registerIndex,omitempty"`
	ByteOrder     codec.ByteOrder `json:"byteOrder,omitempty"`
}

// SetPoint is one entry of a batch command.
type SetPoint struct {
	Name          string          `json:"name"`
	Value         *float64        `json:"value"`
	DataType      codec.DataType  `json:"dataType"`
	RegisterIndex *uint16         `json:"registerIndex"`
	ByteOrder     codec.ByteOrder `json:"byteOrder,omitempty"`
}

// Command groups the setpoints for one device within a batch.
type Command struct {
	DeviceID  string     `json:"deviceId"`
	SetPoints []SetPoint `json:"parameters"`
}

// ErrorPayload is the structured error surfaced to the request layer.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the structured outcome of one write or one batch command.
type Result struct {
	DeviceID  string        `json:"deviceId"`
	Parameter string        `json:"parameter,omitempty"`
	OK        bool          `json:"ok"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

func resultFor(deviceID, parameter string, err error) Result {
	if err == nil {
		return Result{DeviceID: deviceID, Parameter: parameter, OK: true}
	}
	return Result{
		DeviceID:  deviceID,
		Parameter: parameter,
		Error:     &ErrorPayload{Kind: string(fault.KindOf(err)), Message: err.Error()},
	}
}

// Service executes setpoint writes against registered devices.
type Service struct {
	registry  *device.Registry
	checker   ScheduleChecker
	collector telemetry.Collector
	logger    zerolog.Logger
}

// NewService wires the control surface. A nil checker means no schedule
// precedence applies.
func NewService(registry *device.Registry, checker ScheduleChecker, collector telemetry.Collector, logger zerolog.Logger) *Service {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Service{
		registry:  registry,
		checker:   checker,
		collector: collector,
		logger:    logger.With().Str("component", "control").Logger(),
	}
}

// ScheduleActive reports whether an automated schedule currently governs
// the device.
func (s *Service) ScheduleActive(ctx context.Context, deviceID string) (bool, error) {
	if s.checker == nil {
		return false, nil
	}
	active, err := s.checker.Scheduled(ctx, deviceID)
	if err != nil {
		return false, fault.Wrap(fault.KindConnection, err, "schedule status for %s", deviceID)
	}
	return active, nil
}

func (s *Service) guardSchedule(ctx context.Context, deviceID string) error {
	active, err := s.ScheduleActive(ctx, deviceID)
	if err != nil {
		return err
	}
	if active {
		return fault.New(fault.KindScheduleConflict, "device %s is under schedule control", deviceID)
	}
	return nil
}

// SetParameter writes one setpoint. The schedule check runs before any
// transport I/O; a governed device rejects the write outright. With an
// explicit register index and data type the write bypasses the configured
// parameter set, otherwise the named parameter's binding is used.
func (s *Service) SetParameter(ctx context.Context, req Request) Result {
	err := s.setParameter(ctx, req)
	if err != nil {
		s.collector.IncWriteError(req.DeviceID)
		s.logger.Warn().Err(err).Str("device", req.DeviceID).Str("parameter", req.Name).Msg("setpoint rejected")
	} else {
		s.collector.IncWrite(req.DeviceID)
		s.logger.Info().Str("device", req.DeviceID).Str("parameter", req.Name).Float64("value", req.Value).Msg("setpoint written")
	}
	return resultFor(req.DeviceID, req.Name, err)
}

func (s *Service) setParameter(ctx context.Context, req Request) error {
	if req.DeviceID == "" {
		return fault.New(fault.KindConfiguration, "device id is required")
	}
	if err := s.guardSchedule(ctx, req.DeviceID); err != nil {
		return err
	}
	d, err := s.registry.Get(req.DeviceID)
	if err != nil {
		return err
	}
	if req.RegisterIndex != nil {
		dt := req.DataType
		if dt == "" {
			return fault.New(fault.KindConfiguration, "parameter %s: data type is required for a register write", req.Name)
		}
		order := req.ByteOrder
		if order == "" {
			order = codec.DefaultOrder(dt)
		}
		if err := codec.ValidateOrder(dt, order); err != nil {
			return err
		}
		return d.WriteRegister(*req.RegisterIndex, req.Value, dt, order)
	}
	if req.Name == "" {
		return fault.New(fault.KindConfiguration, "parameter name or register index is required")
	}
	return d.Write(req.Name, req.Value)
}

// BatchControl executes the commands device by device. Each command's
// setpoints are structurally validated before any I/O for that device; an
// invalid command fails whole without touching the wire, but never blocks
// the other devices in the batch. There is no cross-device atomicity.
func (s *Service) BatchControl(ctx context.Context, commands []Command) []Result {
	results := make([]Result, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, s.runCommand(ctx, cmd)...)
	}
	return results
}

func (s *Service) runCommand(ctx context.Context, cmd Command) []Result {
	if err := validateCommand(cmd); err != nil {
		return []Result{resultFor(cmd.DeviceID, "", err)}
	}
	if err := s.guardSchedule(ctx, cmd.DeviceID); err != nil {
		return []Result{resultFor(cmd.DeviceID, "", err)}
	}
	d, err := s.registry.Get(cmd.DeviceID)
	if err != nil {
		return []Result{resultFor(cmd.DeviceID, "", err)}
	}

	results := make([]Result, 0, len(cmd.SetPoints))
	for _, sp := range cmd.SetPoints {
		order := sp.ByteOrder
		if order == "" {
			order = codec.DefaultOrder(sp.DataType)
		}
		err := codec.ValidateOrder(sp.DataType, order)
		if err == nil {
			err = d.WriteRegister(*sp.RegisterIndex, *sp.Value, sp.DataType, order)
		}
		if err != nil {
			s.collector.IncWriteError(cmd.DeviceID)
		} else {
			s.collector.IncWrite(cmd.DeviceID)
		}
		results = append(results, resultFor(cmd.DeviceID, sp.Name, err))
		if fault.IsKind(err, fault.KindConnection) || fault.IsKind(err, fault.KindDisabledDevice) {
			// The rest of this device's setpoints cannot succeed either.
			for _, rest := range cmd.SetPoints[len(results):] {
				results = append(results, resultFor(cmd.DeviceID, rest.Name, err))
			}
			break
		}
	}
	return results
}

// validateCommand checks every setpoint of a command before any I/O.
func validateCommand(cmd Command) error {
	if cmd.DeviceID == "" {
		return fault.New(fault.KindConfiguration, "device id is required")
	}
	if len(cmd.SetPoints) == 0 {
		return fault.New(fault.KindConfiguration, "device %s: empty command", cmd.DeviceID)
	}
	for i, sp := range cmd.SetPoints {
		switch {
		case sp.Name == "":
			return fault.New(fault.KindConfiguration, "device %s: setpoint %d: name is required", cmd.DeviceID, i)
		case sp.Value == nil:
			return fault.New(fault.KindConfiguration, "device %s: setpoint %q: value is required", cmd.DeviceID, sp.Name)
		case sp.RegisterIndex == nil:
			return fault.New(fault.KindConfiguration, "device %s: setpoint %q: register index is required", cmd.DeviceID, sp.Name)
		case sp.DataType == "":
			return fault.New(fault.KindConfiguration, "device %s: setpoint %q: data type is required", cmd.DeviceID, sp.Name)
		}
	}
	return nil
}
