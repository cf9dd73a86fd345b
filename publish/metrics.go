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

package publish

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_count",
		Help: "Number of publish attempts by mode and result code.",
	}, []string{"mode", "code"})
	proposalRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proposal_rate_limited",
		Help: "Publish attempts degraded to build-only by the rate limiter.",
	}, []string{"package", "maintainer"})
	openProposalCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "open_proposal_count",
		Help: "Open merge proposals by hoster.",
	}, []string{"hoster"})
	mergeProposalCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "merge_proposal_count",
		Help: "Merge proposals by last observed status.",
	}, []string{"status"})
	publishReadyCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "publish_ready_count",
		Help: "Runs currently ready to be published.",
	})
	lastPublishSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "last_publish_success_unixtime",
		Help: "Last time a publish attempt succeeded.",
	})
)

func init() {
	prometheus.MustRegister(publishCount)
	prometheus.MustRegister(proposalRateLimited)
	prometheus.MustRegister(openProposalCount)
	prometheus.MustRegister(mergeProposalCount)
	prometheus.MustRegister(publishReadyCount)
	prometheus.MustRegister(lastPublishSuccess)
}
