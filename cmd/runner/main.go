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
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/custodian-sh/custodian/artifacts"
	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/hoster"
	"github.com/custodian-sh/custodian/interrupts"
	"github.com/custodian-sh/custodian/logrusutil"
	"github.com/custodian-sh/custodian/logs"
	"github.com/custodian-sh/custodian/metrics"
	"github.com/custodian-sh/custodian/runner"
	"github.com/custodian-sh/custodian/schedule"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

var (
	port        = flag.Int("port", 9911, "Port the assignment API listens on.")
	metricsPort = flag.Int("metrics-port", 9090, "Port /metrics is served on.")

	configPath   = flag.String("config-path", "/etc/custodian/config.yaml", "Path to config.yaml.")
	policyPath   = flag.String("policy-path", "", "Path to policy.yaml; empty disables the publish policy.")
	databasePath = flag.String("database-path", "/var/lib/custodian/state.db", "Path to the bolt database.")

	backupDirectory = flag.String("backup-directory", "", "Local directory that buffers logs and artifacts while the primary store is unavailable.")

	gitlabURL = flag.String("gitlab-url", "", "GitLab instance used for resume discovery; token read from $GITLAB_TOKEN.")

	publicVCSLocation = flag.String("public-vcs-location", "", "VCS store base URL handed to workers; overrides the config.")
	useCachedOnly     = flag.Bool("use-cached-only", false, "Assign only cached branches, never upstream URLs.")

	dryRun = flag.Bool("dry-run", false, "Process assignments but store nothing.")

	pushGatewayEndpoint = flag.String("push-gateway", "", "Prometheus push gateway endpoint; empty serves /metrics only.")
	pushGatewayInterval = flag.Duration("push-gateway-interval", time.Minute, "Interval between metric pushes.")
)

func main() {
	flag.Parse()
	logrusutil.ComponentInit("runner")
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

	ctx := interrupts.Context()
	logManager, err := logs.NewManager(ctx, cfg.LogsLocation)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening log store.")
	}
	artifactManager, err := artifacts.NewManager(ctx, cfg.ArtifactLocation)
	if err != nil {
		logrus.WithError(err).Fatal("Error opening artifact store.")
	}

	var logBackup logs.Manager
	var artifactBackup *artifacts.Manager
	if *backupDirectory != "" {
		logBackup, err = logs.NewManager(ctx, fileURL(filepath.Join(*backupDirectory, "logs")))
		if err != nil {
			logrus.WithError(err).Fatal("Error opening log backup store.")
		}
		artifactBackup, err = artifacts.NewManager(ctx, fileURL(filepath.Join(*backupDirectory, "artifacts")))
		if err != nil {
			logrus.WithError(err).Fatal("Error opening artifact backup store.")
		}

		// Whatever landed in the backup while the primary store was
		// down gets re-uploaded in the background.
		c := cron.New()
		if _, err := c.AddFunc("@every 1h", func() {
			if err := logs.DrainBackup(ctx, logs.UnderlyingBucket(logBackup), logs.UnderlyingBucket(logManager)); err != nil {
				log.WithError(err).Warning("Error re-uploading backed-up logs.")
			}
			if err := logs.DrainBackup(ctx, artifactBackup.Bucket(), artifactManager.Bucket()); err != nil {
				log.WithError(err).Warning("Error re-uploading backed-up artifacts.")
			}
		}); err != nil {
			logrus.WithError(err).Fatal("Error scheduling backup re-upload.")
		}
		c.Start()
		interrupts.OnInterrupt(func() { c.Stop() })
	}

	var hosters []hoster.Hoster
	if *gitlabURL != "" {
		hosters = append(hosters, hoster.NewGitLab(*gitlabURL, os.Getenv("GITLAB_TOKEN")))
	}

	scheduler := &schedule.Scheduler{
		Store:  store,
		Config: configAgent.Config,
		Log:    log,
	}
	processor := runner.NewProcessor(store, configAgent.Config, scheduler, log)
	processor.DryRun = *dryRun

	vcsLocation := cfg.PublicVCSLocation
	if *publicVCSLocation != "" {
		vcsLocation = *publicVCSLocation
	}
	server := &runner.Server{
		Processor:       processor,
		Store:           store,
		Config:          configAgent.Config,
		VCSManager:      vcs.NewManager(vcsLocation),
		UseCachedOnly:   *useCachedOnly,
		Opener:          vcs.NewOpener(),
		Hosters:         hosters,
		Logs:            logManager,
		LogsBackup:      logBackup,
		Artifacts:       artifactManager,
		ArtifactsBackup: artifactBackup,
		Log:             log,
	}

	metrics.ExposeMetrics("runner", metrics.PushGateway{
		Endpoint:     *pushGatewayEndpoint,
		Interval:     *pushGatewayInterval,
		ServeMetrics: true,
	}, *metricsPort)

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(*port), Handler: server.Routes()}
	interrupts.ListenAndServe(httpServer, 10*time.Second)
	interrupts.WaitForGracefulShutdown()
}

func fileURL(dir string) string {
	return "file://" + filepath.ToSlash(dir)
}
