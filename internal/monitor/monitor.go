// Package monitor drives one shared scan loop across all enabled devices.
// It discovers devices from an external source, tracks per-device health and
// exposes manual triggers alongside named cadence presets.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldgate/internal/config"
	"fieldgate/internal/device"
	"fieldgate/internal/fault"
	"fieldgate/internal/poll"
	"fieldgate/internal/state"
	"fieldgate/internal/transport"
	"fieldgate/telemetry"
)

// Speed is the shared loop cadence: a preset name and its tick interval.
type Speed struct {
	Name     string        `json:"speed"`
	Interval time.Duration `json:"-"`
	Millis   int64         `json:"interval"`
}

var presets = map[string]time.Duration{
	"very-fast": 500 * time.Millisecond,
	"fast":      1000 * time.Millisecond,
	"normal":    2000 * time.Millisecond,
	"slow":      5000 * time.Millisecond,
	"very-slow": 10000 * time.Millisecond,
}

const defaultSpeed = "normal"

// ParseSpeed resolves a preset name or an explicit millisecond value. An
// explicit interval wins over the name; an unknown name without an interval
// is a configuration fault.
func ParseSpeed(name string, intervalMS int) (Speed, error) {
	if intervalMS > 0 {
		return Speed{Name: "custom", Interval: time.Duration(intervalMS) * time.Millisecond, Millis: int64(intervalMS)}, nil
	}
	if name == "" {
		name = defaultSpeed
	}
	interval, ok := presets[name]
	if !ok {
		return Speed{}, fault.New(fault.KindConfiguration, "unknown monitoring speed %q", name)
	}
	return Speed{Name: name, Interval: interval, Millis: interval.Milliseconds()}, nil
}

// DeviceSource is the external configuration store the monitor scans for
// enabled devices.
type DeviceSource interface {
	Devices() ([]config.DeviceConfig, error)
}

// Health is the per-device view kept by the monitor.
type Health struct {
	DeviceID            string    `json:"deviceId"`
	Connected           bool      `json:"connected"`
	LastSuccess         time.Time `json:"lastSuccessfulRead"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Stats summarizes the fleet.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Service owns the shared scan loop.
type Service struct {
	source    DeviceSource
	registry  *device.Registry
	poller    *poll.Service
	dial      transport.Dialer
	collector telemetry.Collector
	logger    zerolog.Logger

	mu      sync.Mutex
	speed   Speed
	running bool
	stop    chan struct{}
	done    chan struct{}
	health  map[string]*Health

	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// NewService wires the monitor. It observes the poller's event stream to
// keep health current for scheduled polls and manual syncs alike.
func NewService(source DeviceSource, registry *device.Registry, poller *poll.Service, dial transport.Dialer, collector telemetry.Collector, logger zerolog.Logger) *Service {
	if collector == nil {
		collector = telemetry.Noop()
	}
	speed, _ := ParseSpeed(defaultSpeed, 0)
	s := &Service{
		source:    source,
		registry:  registry,
		poller:    poller,
		dial:      dial,
		collector: collector,
		logger:    logger.With().Str("component", "monitor").Logger(),
		speed:     speed,
		health:    make(map[string]*Health),
		inFlight:  make(map[string]bool),
	}
	poller.OnEvent(s.observe)
	return s
}

// Start scans the source, registers unknown enabled devices and begins the
// shared loop. Starting a running service has no effect.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if err := s.scanSource(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info().Str("speed", s.Speed().Name).Msg("monitoring started")
	go s.loop(ctx, stop, done)
	return nil
}

// Stop halts the shared loop and waits for it to exit. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info().Msg("monitoring stopped")
}

// Running reports whether the shared loop is live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		interval := s.Speed().Interval
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(interval):
			s.scanAll()
		}
	}
}

// scanAll polls every enabled registered device. Each device runs on its
// own goroutine with an in-flight guard, so a slow device skips its turn
// rather than stalling the fleet or queueing up passes.
func (s *Service) scanAll() {
	for _, id := range s.registry.IDs() {
		deviceID := id
		d, err := s.registry.Get(deviceID)
		if err != nil || !d.Enabled() {
			continue
		}
		if !s.tryAcquire(deviceID) {
			continue
		}
		go func() {
			defer s.release(deviceID)
			if err := s.poller.Sync(deviceID); err != nil {
				s.logger.Warn().Err(err).Str("device", deviceID).Msg("scan skipped")
			}
		}()
	}
}

func (s *Service) tryAcquire(deviceID string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[deviceID] {
		return false
	}
	s.inFlight[deviceID] = true
	return true
}

func (s *Service) release(deviceID string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, deviceID)
	s.inFlightMu.Unlock()
}

// scanSource reconciles the registry against the external store: unknown
// enabled devices are registered, devices flipped to disabled are torn down
// in place, and devices that disappeared from the store are unregistered.
func (s *Service) scanSource() error {
	cfgs, err := s.source.Devices()
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "load device source")
	}
	desired := make(map[string]config.DeviceConfig, len(cfgs))
	for _, cfg := range cfgs {
		desired[cfg.ID] = cfg
	}

	known := make(map[string]bool)
	for _, id := range s.registry.IDs() {
		known[id] = true
		cfg, ok := desired[id]
		if !ok {
			s.poller.Stop(id)
			s.registry.Unregister(id)
			s.mu.Lock()
			delete(s.health, id)
			s.mu.Unlock()
			s.logger.Info().Str("device", id).Msg("device removed")
			continue
		}
		d, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		if d.Enabled() != cfg.Enabled {
			d.SetEnabled(cfg.Enabled)
			if !cfg.Enabled {
				s.poller.Stop(id)
			}
			s.logger.Info().Str("device", id).Bool("enabled", cfg.Enabled).Msg("device toggled")
		}
	}

	for _, cfg := range cfgs {
		if !cfg.Enabled || known[cfg.ID] {
			continue
		}
		d, err := device.New(cfg, s.dial, s.logger)
		if err != nil {
			s.logger.Error().Err(err).Str("device", cfg.ID).Msg("device rejected")
			continue
		}
		s.registry.Register(d)
		s.logger.Info().Str("device", cfg.ID).Str("name", cfg.Name).Msg("device registered")
	}
	s.updateGauges()
	return nil
}

// ForceInit re-scans the source for newly configured devices while the loop
// keeps running. Active polls are not interrupted.
func (s *Service) ForceInit() error {
	return s.scanSource()
}

// TriggerSync polls one device immediately, outside the shared cadence.
func (s *Service) TriggerSync(deviceID string) error {
	return s.poller.Sync(deviceID)
}

// SetSpeed switches the loop cadence to a preset or, with intervalMS > 0, an
// arbitrary interval. Takes effect on the next tick.
func (s *Service) SetSpeed(name string, intervalMS int) error {
	speed, err := ParseSpeed(name, intervalMS)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	s.collector.SetScanInterval(speed.Interval.Seconds())
	s.logger.Info().Str("speed", speed.Name).Int64("interval_ms", speed.Millis).Msg("monitoring speed changed")
	return nil
}

// Speed reports the current cadence.
func (s *Service) Speed() Speed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// observe folds a poll event into the health table.
func (s *Service) observe(event state.PollEvent) {
	s.mu.Lock()
	h, ok := s.health[event.DeviceID]
	if !ok {
		h = &Health{DeviceID: event.DeviceID}
		s.health[event.DeviceID] = h
	}
	if event.Err != nil {
		h.Connected = false
		h.ConsecutiveFailures++
	} else {
		h.Connected = true
		h.ConsecutiveFailures = 0
		h.LastSuccess = event.Timestamp
	}
	s.mu.Unlock()
	s.updateGauges()
}

// Health returns the tracked state for one device.
func (s *Service) Health(deviceID string) (Health, error) {
	if _, err := s.registry.Get(deviceID); err != nil {
		return Health{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.health[deviceID]; ok {
		return *h, nil
	}
	return Health{DeviceID: deviceID}, nil
}

// Stats counts the fleet. A device is online once its last pass succeeded.
func (s *Service) Stats() Stats {
	ids := s.registry.IDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Total: len(ids)}
	for _, id := range ids {
		if h, ok := s.health[id]; ok && h.Connected {
			stats.Online++
		}
	}
	stats.Offline = stats.Total - stats.Online
	return stats
}

// HealthAll returns every device's health, sorted by id.
func (s *Service) HealthAll() []Health {
	ids := s.registry.IDs()
	sort.Strings(ids)
	out := make([]Health, 0, len(ids))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if h, ok := s.health[id]; ok {
			out = append(out, *h)
			continue
		}
		out = append(out, Health{DeviceID: id})
	}
	return out
}

func (s *Service) updateGauges() {
	ids := s.registry.IDs()
	s.mu.Lock()
	online := 0
	for _, id := range ids {
		if h, ok := s.health[id]; ok && h.Connected {
			online++
		}
	}
	s.mu.Unlock()
	s.collector.SetDevicesOnline(online, len(ids))
}
