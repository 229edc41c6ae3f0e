package metrics

import (
	"context"

	"github.com/chunga-ict/phoenix/kernel/model"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
)

type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInflux(cfg model.InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{client: client, writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

// Points renders one point per finished stage plus one for the run itself.
func Points(run *model.ConvergenceRun) []*write.Point {
	var points []*write.Point
	for _, stage := range run.Stages {
		if stage.Finished.IsZero() {
			continue
		}
		points = append(points, influxdb2.NewPoint(
			"phoenix_stage",
			map[string]string{
				"run":     run.Id,
				"stage":   stage.Name,
				"outcome": string(stage.Outcome),
			},
			map[string]interface{}{
				"duration_seconds": stage.Duration().Seconds(),
			},
			stage.Finished,
		))
	}
	if !run.Finished.IsZero() {
		points = append(points, influxdb2.NewPoint(
			"phoenix_run",
			map[string]string{
				"run":     run.Id,
				"outcome": string(run.Outcome()),
			},
			map[string]interface{}{
				"duration_seconds": run.Finished.Sub(run.Started).Seconds(),
				"halted_at":        run.HaltedAt,
			},
			run.Finished,
		))
	}
	return points
}

func (i *Influx) Record(ctx context.Context, run *model.ConvergenceRun) error {
	points := Points(run)
	if len(points) == 0 {
		return nil
	}
	if err := i.writeAPI.WritePoint(ctx, points...); err != nil {
		return errors.Wrap(err, "unable to write run metrics to influx")
	}
	return nil
}

func (i *Influx) Close() {
	i.client.Close()
}
