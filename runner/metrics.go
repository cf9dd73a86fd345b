/*
Copyright 2021 The Custodian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeRunCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_runs",
		Help: "Number of active runs.",
	})
	packagesProcessedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "package_count",
		Help: "Number of packages processed.",
	})
	runResultCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "result",
		Help: "Result counts.",
	}, []string{"package", "suite", "result_code"})
	buildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "build_duration",
		Help:    "Build duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(60, 2, 10),
	}, []string{"package", "suite"})
	rateLimitedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_host",
		Help: "Rate limiting per host.",
	}, []string{"host"})
	lastSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "job_last_success_unixtime",
		Help: "Last time a run finished successfully.",
	})
	assignmentCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assignments",
		Help: "Number of assignment requests.",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeRunCount)
	prometheus.MustRegister(packagesProcessedCount)
	prometheus.MustRegister(runResultCount)
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(rateLimitedCount)
	prometheus.MustRegister(lastSuccessGauge)
	prometheus.MustRegister(assignmentCount)
}
