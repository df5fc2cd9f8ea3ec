// Package logging builds the gateway's zerolog logger: JSON to stdout by
// default, a console writer for the text format, and an optional Loki
// forwarder sharing the same event stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"fieldgate/internal/config"
)

const defaultLokiLabel = "fieldgate"

// Setup builds the root logger from configuration. The returned cleanup
// flushes and stops the Loki client and must run on shutdown.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	writers := []io.Writer{consoleWriter(cfg.Format)}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		forwarder, err := newLokiForwarder(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, forwarder)
		cleanup = func() { forwarder.client.Stop() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().Level(level)
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleWriter(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

// lokiForwarder ships each rendered log line as one Loki entry under a fixed
// label set.
type lokiForwarder struct {
	client *loki.Client
	labels model.LabelSet
}

func newLokiForwarder(cfg config.LokiConfig) (*lokiForwarder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}

	labels := model.LabelSet{"app": defaultLokiLabel}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return &lokiForwarder{client: client, labels: labels}, nil
}

func (l *lokiForwarder) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(l.labels, time.Now(), entry)
	return len(p), err
}
