package workflow

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricResultOk     = "ok"
	metricResultFailed = "failed"
	metricResultError  = "error"

	metricOutcomeDone    = "done"
	metricOutcomeDeleted = "deleted"
)

// Metrics controller 记录的指标, nil 的时候什么都不做
type Metrics struct {
	taskRuns          *prometheus.CounterVec
	taskDuration      prometheus.Histogram
	workflowsFinished *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_task_runs_total",
			Help: "Task runs by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobs_task_duration_seconds",
			Help:    "Time from scheduling a task to its terminal event.",
			Buckets: prometheus.DefBuckets,
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_workflows_finished_total",
			Help: "Finished workflows by outcome.",
		}, []string{"outcome"}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{m.taskRuns, m.taskDuration, m.workflowsFinished} {
		if err := registerer.Register(collector); err != nil {
			return nil, errors.WithMessage(err, "register metrics failed")
		}
	}
	return m, nil
}

func (m *Metrics) observeTask(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(result).Inc()
	m.taskDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeWorkflowFinished(outcome string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(outcome).Inc()
}
