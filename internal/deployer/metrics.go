package deployer

import "github.com/prometheus/client_golang/prometheus"

func (d *Deployer) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mRollouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "rollouts_total",
		Help:      "Number of finished rollouts, by result.",
	}, []string{"result"})
	reg.MustRegister(d.mRollouts)
	d.mRolloutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "rollout_duration_seconds",
		Help:      "Duration of successful rollouts.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	reg.MustRegister(d.mRolloutDuration)
	d.mRolloutsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "rollouts_in_flight",
		Help:      "Number of rollouts currently running.",
	})
	reg.MustRegister(d.mRolloutsInFlight)
	d.mInstancesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "instances_created_total",
		Help:      "Number of instance creation requests sent to agents.",
	})
	reg.MustRegister(d.mInstancesCreated)
	d.mInstancesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "instances_terminated_total",
		Help:      "Number of instances terminated.",
	})
	reg.MustRegister(d.mInstancesRemoved)
	d.mImagePulls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "image_pulls_total",
		Help:      "Number of image pull requests sent to agents.",
	})
	reg.MustRegister(d.mImagePulls)
	d.mConvergenceWaited = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "knitgrid",
		Subsystem: "deployer",
		Name:      "instance_convergence_seconds",
		Help:      "Time from instance creation request until the instance was reported ready.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	reg.MustRegister(d.mConvergenceWaited)
}
