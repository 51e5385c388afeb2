package porter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "forwardporter"

const (
	portsMetricName           = "ports_total"
	tasksMetricName           = "port_tasks_total"
	remindersMetricName       = "reminders_sent_total"
	deletedBranchesMetricName = "deleted_port_branches_total"
)

const (
	resultLabel     = "result"
	taskSourceLabel = "task_source"
	taskStateLabel  = "state"
)

type resultLabelVal string

const (
	resultLabelPortedVal   resultLabelVal = "ported"
	resultLabelConflictVal resultLabelVal = "conflict"
)

type taskStateLabelVal string

const (
	taskStateEnqueuedVal  taskStateLabelVal = "enqueued"
	taskStateProcessedVal taskStateLabelVal = "processed"
	taskStateFailedVal    taskStateLabelVal = "failed"
)

type metricCollector struct {
	ports           *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	reminders       prometheus.Counter
	deletedBranches prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		ports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      portsMetricName,
				Help:      "count of forward-ported pull requests by outcome",
			},
			[]string{resultLabel},
		),
		tasks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      tasksMetricName,
				Help:      "count of port task state transitions",
			},
			[]string{taskSourceLabel, taskStateLabel},
		),
		reminders: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      remindersMetricName,
				Help:      "count of sent stalled forward-port reminders",
			},
		),
		deletedBranches: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      deletedBranchesMetricName,
				Help:      "count of deleted port branches",
			},
		),
	}
}

func (m *metricCollector) ported(conflict bool) {
	val := resultLabelPortedVal
	if conflict {
		val = resultLabelConflictVal
	}

	m.ports.With(prometheus.Labels{resultLabel: string(val)}).Inc()
}

func (m *metricCollector) taskEnqueued(source string) {
	m.taskTransition(source, taskStateEnqueuedVal)
}

func (m *metricCollector) taskProcessed(source string) {
	m.taskTransition(source, taskStateProcessedVal)
}

func (m *metricCollector) taskFailed(source string) {
	m.taskTransition(source, taskStateFailedVal)
}

func (m *metricCollector) taskTransition(source string, state taskStateLabelVal) {
	m.tasks.With(prometheus.Labels{
		taskSourceLabel: source,
		taskStateLabel:  string(state),
	}).Inc()
}

func (m *metricCollector) reminderSent() {
	m.reminders.Inc()
}

func (m *metricCollector) branchDeleted() {
	m.deletedBranches.Inc()
}
