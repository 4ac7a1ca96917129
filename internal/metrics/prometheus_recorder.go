package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	buildDuration  *prom.HistogramVec
	stageDuration  *prom.HistogramVec
	stepDuration   *prom.HistogramVec
	buildOutcome   *prom.CounterVec
	stageResults   *prom.CounterVec
	dispatches     *prom.CounterVec
	stepRetries    *prom.CounterVec
	queueDepth     *prom.GaugeVec
	agentsOnline   prom.Gauge
	runningBuilds  prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.buildDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "chengis",
			Name:      "build_duration_seconds",
			Help:      "Total build duration per job",
			Buckets:   prom.DefBuckets,
		}, []string{"job"})
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "chengis",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "chengis",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual steps",
			Buckets:   prom.DefBuckets,
		}, []string{"stage", "step"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "chengis",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "chengis",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.dispatches = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "chengis",
			Name:      "dispatches_total",
			Help:      "Dispatch decisions by route (remote, local, queued, failed)",
		}, []string{"route"})
		pr.stepRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "chengis",
			Name:      "step_retries_total",
			Help:      "Total step retries for transient failures",
		}, []string{"step"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "chengis",
			Name:      "queue_depth",
			Help:      "Pending builds per organization queue",
		}, []string{"org"})
		pr.agentsOnline = prom.NewGauge(prom.GaugeOpts{
			Namespace: "chengis",
			Name:      "agents_online",
			Help:      "Agents currently considered online",
		})
		pr.runningBuilds = prom.NewGauge(prom.GaugeOpts{
			Namespace: "chengis",
			Name:      "running_builds",
			Help:      "Builds currently executing",
		})
		reg.MustRegister(pr.buildDuration, pr.stageDuration, pr.stepDuration, pr.buildOutcome,
			pr.stageResults, pr.dispatches, pr.stepRetries, pr.queueDepth, pr.agentsOnline, pr.runningBuilds)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveBuildDuration(jobID string, d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(jobID).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveStepDuration(stage, step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(stage, step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncStageResult(stage, result string) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, result).Inc()
}

func (p *PrometheusRecorder) IncDispatch(route string) {
	if p == nil || p.dispatches == nil {
		return
	}
	p.dispatches.WithLabelValues(route).Inc()
}

func (p *PrometheusRecorder) IncStepRetry(step string) {
	if p == nil || p.stepRetries == nil {
		return
	}
	p.stepRetries.WithLabelValues(step).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(orgID string, n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(orgID).Set(float64(n))
}

func (p *PrometheusRecorder) SetAgentsOnline(n int) {
	if p == nil || p.agentsOnline == nil {
		return
	}
	p.agentsOnline.Set(float64(n))
}

func (p *PrometheusRecorder) SetRunningBuilds(n int) {
	if p == nil || p.runningBuilds == nil {
		return
	}
	p.runningBuilds.Set(float64(n))
}
