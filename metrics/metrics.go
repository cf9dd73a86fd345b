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

// Package metrics exposes prometheus metrics for the fleet components,
// either by serving /metrics or by forwarding to a push gateway.
package metrics

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/interrupts"
)

// PushGateway describes an optional prometheus push gateway. When
// Endpoint is empty, metrics are only served.
type PushGateway struct {
	Endpoint     string
	Interval     time.Duration
	ServeMetrics bool
}

// ExposeMetrics chooses whether to serve or push metrics for the
// component. Both servers and pushers shut down with the interrupts
// lifecycle.
func ExposeMetrics(component string, gateway PushGateway, port int) {
	if gateway.Endpoint != "" {
		pushMetrics(component, gateway.Endpoint, gateway.Interval)
		if !gateway.ServeMetrics {
			return
		}
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: metricsMux}
	interrupts.ListenAndServe(server, 5*time.Second)
}

// pushMetrics continuously pushes metrics to the provided endpoint.
func pushMetrics(component, endpoint string, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	hostname, _ := os.Hostname()
	pusher := push.New(endpoint, component).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("instance", hostname)
	interrupts.TickLiteral(func() {
		if err := pusher.Push(); err != nil {
			logrus.WithField("component", component).WithError(err).Error("Failed to push metrics.")
		}
	}, interval)
}
