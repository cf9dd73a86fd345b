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

package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/hoster"
	"github.com/custodian-sh/custodian/interrupts"
	"github.com/custodian-sh/custodian/logrusutil"
	"github.com/custodian-sh/custodian/metrics"
	"github.com/custodian-sh/custodian/publish"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

var (
	port        = flag.Int("port", 9912, "Port the publish API listens on.")
	metricsPort = flag.Int("metrics-port", 9091, "Port /metrics is served on.")

	configPath   = flag.String("config-path", "/etc/custodian/config.yaml", "Path to config.yaml.")
	policyPath   = flag.String("policy-path", "/etc/custodian/policy.yaml", "Path to policy.yaml.")
	databasePath = flag.String("database-path", "/var/lib/custodian/state.db", "Path to the bolt database.")

	publishCommand = flag.String("publish-command", "custodian-publish", "Command executed per publish; speaks JSON on stdin/stdout.")
	runnerURL      = flag.String("runner-url", "", "Base URL of the runner; enables publishing results as they arrive.")
	gitlabURL      = flag.String("gitlab-url", "", "GitLab instance to reconcile proposals against; token read from $GITLAB_TOKEN.")

	interval          = flag.Duration("interval", 15*time.Minute, "Interval between publish scans of ready runs.")
	reconcileInterval = flag.Duration("reconcile-interval", time.Hour, "Interval between proposal reconciliation sweeps.")
	once              = flag.Bool("once", false, "Run one publish scan and one reconciliation sweep, then exit.")

	maxMpsPerMaintainer = flag.Int("max-mps-per-maintainer", 0, "Maximum open proposals per maintainer; 0 disables the limit.")
	slowStart           = flag.Bool("slowstart", false, "Hold each maintainer's open proposals to their merged count plus one.")
	reviewedOnly        = flag.Bool("reviewed-only", false, "Only publish runs that passed review.")
	pushLimit           = flag.Int("push-limit", 0, "Maximum pushes per publish scan; 0 means unlimited.")
	requireBinaryDiff   = flag.Bool("require-binary-diff", false, "Require a binary debdiff before publishing.")

	dryRun = flag.Bool("dry-run", false, "Run the publish command but store nothing.")

	pushGatewayEndpoint = flag.String("push-gateway", "", "Prometheus push gateway endpoint; empty serves /metrics only.")
	pushGatewayInterval = flag.Duration("push-gateway-interval", time.Minute, "Interval between metric pushes.")
)

func main() {
	flag.Parse()
	logrusutil.ComponentInit("publisher")
	log := logrus.NewEntry(logrus.StandardLogger())

	configAgent := &config.Agent{}
	if err := configAgent.Start(*configPath, *policyPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := configAgent.Config()

	store, err := state.New(*databasePath)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening state database.")
	}
	interrupts.OnInterrupt(func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Error("Error closing state database.")
		}
	})

	var limiter publish.RateLimiter
	switch {
	case *slowStart:
		limiter = publish.NewSlowStartRateLimiter(*maxMpsPerMaintainer)
	case *maxMpsPerMaintainer > 0:
		limiter = publish.NewFixedRateLimiter(*maxMpsPerMaintainer)
	default:
		limiter = publish.NonRateLimiter{}
	}

	executor := &publish.CommandExecutor{
		Argv: strings.Fields(*publishCommand),
		Log:  log,
	}

	p := publish.NewPublisher(store, configAgent.Config, vcs.NewManager(cfg.PublicVCSLocation), executor, limiter, log)
	p.ReviewedOnly = *reviewedOnly
	p.PushLimit = *pushLimit
	p.RequireBinaryDiff = *requireBinaryDiff
	p.DryRun = *dryRun

	var hosters []hoster.Hoster
	if *gitlabURL != "" {
		hosters = append(hosters, hoster.NewGitLab(*gitlabURL, os.Getenv("GITLAB_TOKEN")))
	}
	reconciler := &publish.Reconciler{
		Store:     store,
		Config:    configAgent.Config,
		Hosters:   hosters,
		Publisher: p,
		Limiter:   limiter,
		Log:       log,
	}

	ctx := interrupts.Context()
	if *once {
		if err := reconciler.Reconcile(ctx); err != nil {
			log.WithError(err).Error("Error reconciling proposals.")
		}
		if err := p.PublishPendingNew(ctx); err != nil {
			log.WithError(err).Error("Error publishing pending runs.")
		}
		return
	}

	web := &publish.Web{
		Publisher: p,
		Store:     store,
		Config:    configAgent.Config,
		Limiter:   limiter,
		Log:       log,
	}

	metrics.ExposeMetrics("publisher", metrics.PushGateway{
		Endpoint:     *pushGatewayEndpoint,
		Interval:     *pushGatewayInterval,
		ServeMetrics: true,
	}, *metricsPort)

	interrupts.TickLiteral(func() {
		if err := reconciler.Reconcile(ctx); err != nil {
			log.WithError(err).Error("Error reconciling proposals.")
		}
	}, *reconcileInterval)
	interrupts.TickLiteral(func() {
		if err := p.PublishPendingNew(ctx); err != nil {
			log.WithError(err).Error("Error publishing pending runs.")
		}
	}, *interval)

	if *runnerURL != "" {
		wsURL, err := resultStreamURL(*runnerURL)
		if err != nil {
			logrus.WithError(err).Fatal("Invalid --runner-url.")
		}
		interrupts.Run(func(ctx context.Context) {
			publish.StreamResults(ctx, wsURL, log, func(event map[string]interface{}) error {
				return p.PublishFromResult(ctx, event)
			})
		})
	}

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(*port), Handler: web.Routes()}
	interrupts.ListenAndServe(httpServer, 10*time.Second)
	interrupts.WaitForGracefulShutdown()
}

// resultStreamURL turns the runner's base URL into its result
// websocket URL.
func resultStreamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/result"
	return u.String(), nil
}
