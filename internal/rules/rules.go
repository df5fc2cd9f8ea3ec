// Package rules evaluates alert expressions against decoded readings. Rules
// are compiled once at load time; evaluation runs inline on the poll event
// path and must not block.
package rules

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"fieldgate/internal/config"
	"fieldgate/internal/fault"
	"fieldgate/internal/state"
)

type rule struct {
	cfg     config.RuleConfig
	program *vm.Program
}

// Engine holds the compiled rule set, grouped by device id. Rules without a
// device id apply to every device.
type Engine struct {
	byDevice map[string][]rule
	logger   zerolog.Logger
}

// NewEngine compiles the configured rules. A compile failure is a
// configuration fault carrying the offending rule id.
func NewEngine(cfgs []config.RuleConfig, logger zerolog.Logger) (*Engine, error) {
	engine := &Engine{
		byDevice: make(map[string][]rule),
		logger:   logger.With().Str("component", "rules").Logger(),
	}
	for _, cfg := range cfgs {
		program, err := expr.Compile(cfg.Expr, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fault.Wrap(fault.KindConfiguration, err, "rule %s: compile", cfg.ID)
		}
		engine.byDevice[cfg.Device] = append(engine.byDevice[cfg.Device], rule{cfg: cfg, program: program})
	}
	return engine, nil
}

// Evaluate runs every rule bound to the event's device against its decoded
// readings and returns the alerts that fired. Parameters without a value are
// absent from the environment; AllowUndefinedVariables keeps such rules from
// erroring, they simply do not fire.
func (e *Engine) Evaluate(event state.PollEvent) []state.AlertEvent {
	if e == nil || event.Err != nil {
		return nil
	}
	candidates := append([]rule(nil), e.byDevice[event.DeviceID]...)
	candidates = append(candidates, e.byDevice[""]...)
	if len(candidates) == 0 {
		return nil
	}

	env := map[string]interface{}{"device": event.DeviceID}
	for _, reading := range event.Readings {
		if reading.Value != nil {
			env[reading.Name] = *reading.Value
		}
	}

	var alerts []state.AlertEvent
	for _, r := range candidates {
		result, err := expr.Run(r.program, env)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule", r.cfg.ID).Msg("rule evaluation failed")
			continue
		}
		fired, ok := result.(bool)
		if !ok || !fired {
			continue
		}
		message := r.cfg.Message
		if message == "" {
			message = r.cfg.Expr
		}
		alerts = append(alerts, state.AlertEvent{
			RuleID:    r.cfg.ID,
			DeviceID:  event.DeviceID,
			Message:   message,
			Timestamp: event.Timestamp,
		})
	}
	return alerts
}
