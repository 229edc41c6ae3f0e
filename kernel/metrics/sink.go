// Package metrics exports convergence runs to InfluxDB and to a Prometheus textfile.
package metrics

import (
	"context"

	"github.com/chunga-ict/phoenix/kernel/model"
)

// Sink receives a run every time its record changes.
type Sink interface {
	Record(ctx context.Context, run *model.ConvergenceRun) error
	Close()
}

type multi []Sink

// Multi fans a run out to every sink; one failing sink does not stop the others.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Record(ctx context.Context, run *model.ConvergenceRun) error {
	var errs model.MultipleErrors
	for _, s := range m {
		if err := s.Record(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ToError()
}

func (m multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// FromConfig builds the sinks the operator configured. With none configured, runs
// are only persisted.
func FromConfig(cfg model.MetricsConfig) Sink {
	var sinks []Sink
	if cfg.Influx != nil && cfg.Influx.URL != "" {
		sinks = append(sinks, NewInflux(*cfg.Influx))
	}
	if cfg.Textfile != "" {
		sinks = append(sinks, NewTextfile(cfg.Textfile))
	}
	return Multi(sinks...)
}
