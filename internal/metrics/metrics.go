// Package metrics records installer progress as Prometheus metrics and
// writes them to a node_exporter textfile at the end of a run.
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexisbeaulieu97/infinibay-installer/internal/recovery"
	"github.com/alexisbeaulieu97/infinibay-installer/internal/resource"
	apperrors "github.com/alexisbeaulieu97/infinibay-installer/pkg/errors"
)

const namespace = "infinibay_installer"

// Result label values.
const (
	ResultSuccess     = "success"
	ResultFailed      = "failed"
	ResultInterrupted = "interrupted"
)

// Recorder owns a private registry so a run's metrics never mix with
// another's.
type Recorder struct {
	registry *prometheus.Registry

	phaseDuration  *prometheus.HistogramVec
	phaseResults   *prometheus.CounterVec
	reconciles     *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	recoveryBlocks *prometheus.CounterVec
	lastRun        prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of each installation phase in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
			},
			[]string{"phase"},
		),
		phaseResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_result_total",
				Help:      "Installation phases by result",
			},
			[]string{"phase", "result"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_reconcile_total",
				Help:      "Resource reconciliations by kind, action and result",
			},
			[]string{"kind", "action", "result"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "build",
				Name:      "node_duration_seconds",
				Help:      "Duration of each build graph node in seconds",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43min
			},
			[]string{"project", "result"},
		),
		recoveryBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_blocks_total",
				Help:      "Times the run blocked on manual intervention, by outcome",
			},
			[]string{"runbook", "outcome"},
		),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
	r.registry.MustRegister(r.phaseDuration, r.phaseResults, r.reconciles, r.nodeDuration, r.recoveryBlocks, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObservePhase records one phase run.
func (r *Recorder) ObservePhase(phase string, d time.Duration, err error) {
	r.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	r.phaseResults.WithLabelValues(phase, result(err)).Inc()
}

// ObserveReconcile implements resource.Observer.
func (r *Recorder) ObserveReconcile(out resource.Outcome, err error) {
	r.reconciles.WithLabelValues(kind(out.Resource), string(out.Action), result(err)).Inc()
}

// ObserveBuildNode records one build graph node.
func (r *Recorder) ObserveBuildNode(project string, d time.Duration, err error) {
	r.nodeDuration.WithLabelValues(project, result(err)).Observe(d.Seconds())
}

// WriteTextfile stamps the run time and writes every metric to path in the
// text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	r.lastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, r.registry)
}

// InstrumentChannel counts every Block on ch by outcome.
func (r *Recorder) InstrumentChannel(ch recovery.Channel) recovery.Channel {
	return &channel{next: ch, blocks: r.recoveryBlocks}
}

type channel struct {
	next   recovery.Channel
	blocks *prometheus.CounterVec
}

func (c *channel) Block(ctx context.Context, rb recovery.Runbook) error {
	err := c.next.Block(ctx, rb)
	outcome := "resumed"
	switch {
	case errors.Is(err, apperrors.ErrInterrupted):
		outcome = "aborted"
	case err != nil:
		outcome = "unavailable"
	}
	c.blocks.WithLabelValues(rb.Title, outcome).Inc()
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, apperrors.ErrInterrupted), errors.Is(err, context.Canceled):
		return ResultInterrupted
	default:
		return ResultFailed
	}
}

// kind drops the instance part of a resource name ("db role infinibay" ->
// "db role") to keep label cardinality bounded.
func kind(name string) string {
	for _, prefix := range []string{
		"db role", "database", "service", "unit", "checkout", "artifact",
		"env", "file", "dir", "symlink", "group", "storage pool",
	} {
		if name == prefix || strings.HasPrefix(name, prefix+" ") {
			return prefix
		}
	}
	return name
}
