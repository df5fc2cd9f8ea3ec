package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the gateway runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the polling and write paths.
type Collector interface {
	IncPoll(device string)
	IncPollError(device string)
	IncWrite(device string)
	IncWriteError(device string)
	SetDevicesOnline(online, total int)
	SetScanInterval(seconds float64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncPoll(string)           {}
func (noopCollector) IncPollError(string)      {}
func (noopCollector) IncWrite(string)          {}
func (noopCollector) IncWriteError(string)     {}
func (noopCollector) SetDevicesOnline(int, int) {}
func (noopCollector) SetScanInterval(float64)  {}

// PrometheusCollector exposes gateway counters via Prometheus.
type PrometheusCollector struct {
	polls         *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	writes        *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	devicesOnline prometheus.Gauge
	devicesTotal  prometheus.Gauge
	scanInterval  prometheus.Gauge
}

// NewPrometheusCollector registers the gateway metrics with the provided
// registerer. Re-registration against the same registerer reuses the
// existing collectors instead of failing.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	polls, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "fieldgate_polls_total",
		Help: "Number of completed poll passes per device.",
	}, []string{"device"})
	if err != nil {
		return nil, err
	}
	pollErrors, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "fieldgate_poll_errors_total",
		Help: "Number of poll passes that failed entirely per device.",
	}, []string{"device"})
	if err != nil {
		return nil, err
	}
	writes, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "fieldgate_writes_total",
		Help: "Number of setpoint writes issued per device.",
	}, []string{"device"})
	if err != nil {
		return nil, err
	}
	writeErrors, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "fieldgate_write_errors_total",
		Help: "Number of setpoint writes that failed per device.",
	}, []string{"device"})
	if err != nil {
		return nil, err
	}
	devicesOnline, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "fieldgate_devices_online",
		Help: "Number of devices with a recent successful poll.",
	})
	if err != nil {
		return nil, err
	}
	devicesTotal, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "fieldgate_devices_total",
		Help: "Number of devices under monitoring.",
	})
	if err != nil {
		return nil, err
	}
	scanInterval, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "fieldgate_scan_interval_seconds",
		Help: "Current shared scan loop interval.",
	})
	if err != nil {
		return nil, err
	}
	return &PrometheusCollector{
		polls:         polls,
		pollErrors:    pollErrors,
		writes:        writes,
		writeErrors:   writeErrors,
		devicesOnline: devicesOnline,
		devicesTotal:  devicesTotal,
		scanInterval:  scanInterval,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncPoll counts one completed poll pass.
func (p *PrometheusCollector) IncPoll(device string) {
	if p == nil || p.polls == nil {
		return
	}
	p.polls.WithLabelValues(device).Inc()
}

// IncPollError counts one failed poll pass.
func (p *PrometheusCollector) IncPollError(device string) {
	if p == nil || p.pollErrors == nil {
		return
	}
	p.pollErrors.WithLabelValues(device).Inc()
}

// IncWrite counts one issued setpoint write.
func (p *PrometheusCollector) IncWrite(device string) {
	if p == nil || p.writes == nil {
		return
	}
	p.writes.WithLabelValues(device).Inc()
}

// IncWriteError counts one failed setpoint write.
func (p *PrometheusCollector) IncWriteError(device string) {
	if p == nil || p.writeErrors == nil {
		return
	}
	p.writeErrors.WithLabelValues(device).Inc()
}

// SetDevicesOnline updates the online/total gauges.
func (p *PrometheusCollector) SetDevicesOnline(online, total int) {
	if p == nil {
		return
	}
	p.devicesOnline.Set(float64(online))
	p.devicesTotal.Set(float64(total))
}

// SetScanInterval records the shared loop cadence.
func (p *PrometheusCollector) SetScanInterval(seconds float64) {
	if p == nil || p.scanInterval == nil {
		return
	}
	p.scanInterval.Set(seconds)
}
