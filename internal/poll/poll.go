// Package poll runs per-device timer loops. Every tick performs one full
// read pass and emits the decoded readings as an event; events from all
// devices fan into a single consumer which feeds the realtime cache, the
// historical series and the alert rules.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldgate/internal/device"
	"fieldgate/internal/rules"
	"fieldgate/internal/state"
	"fieldgate/telemetry"
)

const eventBuffer = 64

// Service schedules poll jobs and owns the event fan-in.
type Service struct {
	registry  *device.Registry
	cache     *state.Cache
	history   state.HistoryWriter
	engine    *rules.Engine
	collector telemetry.Collector
	logger    zerolog.Logger

	events chan state.PollEvent

	mu   sync.Mutex
	jobs map[string]*job

	observerMu sync.RWMutex
	onEvent    func(state.PollEvent)
	onAlert    func(state.AlertEvent)
}

type job struct {
	deviceID string
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewService wires the polling engine. History and engine may be nil.
func NewService(registry *device.Registry, cache *state.Cache, history state.HistoryWriter, engine *rules.Engine, collector telemetry.Collector, logger zerolog.Logger) *Service {
	if history == nil {
		history = state.NoopHistory()
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Service{
		registry:  registry,
		cache:     cache,
		history:   history,
		engine:    engine,
		collector: collector,
		logger:    logger.With().Str("component", "poll").Logger(),
		events:    make(chan state.PollEvent, eventBuffer),
		jobs:      make(map[string]*job),
	}
}

// OnEvent installs an observer invoked from the fan-in consumer for every
// poll event, successful or failed.
func (s *Service) OnEvent(fn func(state.PollEvent)) {
	s.observerMu.Lock()
	s.onEvent = fn
	s.observerMu.Unlock()
}

// OnAlert installs an observer for fired alert rules.
func (s *Service) OnAlert(fn func(state.AlertEvent)) {
	s.observerMu.Lock()
	s.onAlert = fn
	s.observerMu.Unlock()
}

// Run consumes the event stream until the context is cancelled. All cache,
// history and rule work happens here, on one goroutine, so ordering and
// backpressure are explicit.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.events:
			s.consume(event)
		}
	}
}

func (s *Service) consume(event state.PollEvent) {
	if event.Err != nil {
		s.collector.IncPollError(event.DeviceID)
		s.logger.Error().Err(event.Err).Str("device", event.DeviceID).Msg("poll pass failed")
	} else {
		s.collector.IncPoll(event.DeviceID)
		s.cache.Store(event)
		for _, reading := range event.Readings {
			quality := state.QualityGood
			if reading.Value == nil {
				quality = state.QualityBad
			}
			record := state.Record{
				DeviceID:  event.DeviceID,
				Parameter: reading.Name,
				Value:     reading.Value,
				Unit:      reading.Unit,
				Timestamp: reading.Timestamp,
				Quality:   quality,
			}
			if err := s.history.Append(record); err != nil {
				s.logger.Warn().Err(err).Str("device", event.DeviceID).Msg("history append failed")
			}
		}
		for _, alert := range s.evaluate(event) {
			s.logger.Warn().Str("device", alert.DeviceID).Str("rule", alert.RuleID).Msg(alert.Message)
			s.observerMu.RLock()
			onAlert := s.onAlert
			s.observerMu.RUnlock()
			if onAlert != nil {
				onAlert(alert)
			}
		}
	}
	s.observerMu.RLock()
	onEvent := s.onEvent
	s.observerMu.RUnlock()
	if onEvent != nil {
		onEvent(event)
	}
}

func (s *Service) evaluate(event state.PollEvent) []state.AlertEvent {
	if s.engine == nil {
		return nil
	}
	return s.engine.Evaluate(event)
}

func (s *Service) emit(event state.PollEvent) {
	select {
	case s.events <- event:
	default:
		// The consumer is behind; dropping the oldest pending event keeps the
		// pollers from blocking on a full queue.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- event:
		default:
		}
	}
}

// Sync performs one immediate out-of-band poll pass for a device and emits
// its event. The per-device mutex serializes it against a running job.
func (s *Service) Sync(deviceID string) error {
	d, err := s.registry.Get(deviceID)
	if err != nil {
		return err
	}
	s.pollOnce(d)
	return nil
}

func (s *Service) pollOnce(d *device.Device) {
	now := time.Now()
	readings, err := d.ReadAll(now)
	event := state.PollEvent{
		DeviceID:   d.ID(),
		DeviceName: d.Name(),
		Timestamp:  now,
		Readings:   readings,
		Err:        err,
	}
	s.emit(event)
}

// Start begins a repeating poll job. Starting an already running device
// restarts its job with the new interval; there are never two live jobs for
// one device.
func (s *Service) Start(deviceID string, interval time.Duration) error {
	d, err := s.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = time.Second
	}

	s.mu.Lock()
	if existing, ok := s.jobs[deviceID]; ok {
		existing.cancel()
	}
	j := &job{
		deviceID: deviceID,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.jobs[deviceID] = j
	s.mu.Unlock()

	s.logger.Info().Str("device", deviceID).Dur("interval", interval).Msg("poll job started")
	go s.run(j, d)
	return nil
}

// run executes the job loop. The read happens synchronously on this
// goroutine: a tick whose predecessor is still in flight is coalesced by the
// ticker, so ticks are skipped, never overlapped.
func (s *Service) run(j *job, d *device.Device) {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			s.pollOnce(d)
		}
	}
}

func (j *job) cancel() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// Stop cancels the device's poll job. Calling it twice, or for a device that
// was never started, has no effect.
func (s *Service) Stop(deviceID string) {
	s.mu.Lock()
	j, ok := s.jobs[deviceID]
	if ok {
		delete(s.jobs, deviceID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
	s.logger.Info().Str("device", deviceID).Msg("poll job stopped")
}

// Running reports whether a job is live for the device.
func (s *Service) Running(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[deviceID]
	return ok
}

// StopAll cancels every live job.
func (s *Service) StopAll() {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.jobs = make(map[string]*job)
	s.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
}
