package metrics

import (
	"context"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Textfile writes the latest run to a file for the node exporter's textfile
// collector.
type Textfile struct {
	path     string
	mu       sync.Mutex
	registry *prometheus.Registry
	stages   *prometheus.GaugeVec
	outcome  *prometheus.GaugeVec
	finished prometheus.Gauge
}

func NewTextfile(path string) *Textfile {
	t := &Textfile{
		path:     path,
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phoenix",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each convergence stage in the last run.",
		}, []string{"stage", "outcome"}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phoenix",
			Name:      "run_outcome",
			Help:      "1 for the outcome of the last convergence run.",
		}, []string{"outcome"}),
		finished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "phoenix",
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time the last convergence run finished.",
		}),
	}
	t.registry.MustRegister(t.stages, t.outcome, t.finished)
	return t
}

func (t *Textfile) Record(_ context.Context, run *model.ConvergenceRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stages.Reset()
	for _, stage := range run.Stages {
		t.stages.WithLabelValues(stage.Name, string(stage.Outcome)).Set(stage.Duration().Seconds())
	}
	t.outcome.Reset()
	for _, o := range []model.Outcome{model.OutcomeSucceeded, model.OutcomeDegraded, model.OutcomeFailed} {
		value := 0.0
		if run.Outcome() == o {
			value = 1
		}
		t.outcome.WithLabelValues(string(o)).Set(value)
	}
	if !run.Finished.IsZero() {
		t.finished.Set(float64(run.Finished.Unix()))
	}
	if err := prometheus.WriteToTextfile(t.path, t.registry); err != nil {
		return errors.Wrapf(err, "unable to write metrics textfile [%s]", t.path)
	}
	return nil
}

func (t *Textfile) Close() {}
