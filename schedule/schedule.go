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

// Package schedule turns finished runs into new queue entries: control
// runs validating the unmodified branch, retries for packages that
// were blocked on missing dependencies, and imports requested by a
// worker's follow-up actions.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/state"
)

// ControlSuite is the suite control runs execute under; it builds the
// package without modification. Runs in it (and in the bootstrap
// suite) never instigate follow-ups of their own.
const (
	ControlSuite   = "unchanged"
	BootstrapSuite = "debianize"

	controlCommand = "just-build"
)

// MissingDepsResultCode marks a run that failed only because apt
// dependencies were not available yet.
const MissingDepsResultCode = "install-deps-unsatisfied-dependencies"

// Follow-up action kinds workers may emit on failure.
const (
	ActionNewPackage    = "new-package"
	ActionUpdatePackage = "update-package"
)

// Action is one structured follow-up emitted by a worker.
type Action struct {
	Action         string        `json:"action"`
	Package        string        `json:"package,omitempty"`
	DesiredVersion string        `json:"desired-version,omitempty"`
	UpstreamInfo   *UpstreamInfo `json:"upstream-info,omitempty"`
}

// UpstreamInfo describes a package not yet known to the fleet.
type UpstreamInfo struct {
	Name      string `json:"name"`
	BranchURL string `json:"branch_url,omitempty"`
	VCSType   string `json:"vcs_type,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Scheduler translates finished runs into queue entries. All methods
// log failures instead of returning them to the finish path; a lost
// follow-up is recoverable, a failed finish is not.
type Scheduler struct {
	Store  *state.Store
	Config config.Getter
	Log    *logrus.Entry
}

func (s *Scheduler) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// RunFinished inspects a freshly persisted run and schedules whatever
// it instigates.
func (s *Scheduler) RunFinished(run *state.Run, build *state.DebianBuild, followups [][]Action) {
	if run.ResultCode == state.ResultCodeSuccess {
		s.followupSuccess(run, build)
		return
	}
	if len(followups) > 0 {
		s.followupFailure(run, followups)
	}
}

func (s *Scheduler) followupSuccess(run *state.Run, build *state.DebianBuild) {
	if run.Suite == ControlSuite || run.Suite == BootstrapSuite {
		return
	}
	log := s.log().WithFields(logrus.Fields{"package": run.Package, "suite": run.Suite})
	if run.MainBranchRevision != "" {
		ok, err := s.Store.HasSuccessRun(run.Package, run.MainBranchRevision)
		if err != nil {
			log.WithError(err).Warning("Failed to check for control run.")
		} else if !ok {
			log.Info("Scheduling control run.")
			if err := s.ScheduleControl(run.Package, run.MainBranchRevision, run.Duration()); err != nil {
				log.WithError(err).Warning("Failed to schedule control run.")
			}
		}
	}
	if build != nil && build.Distribution != "" {
		s.retryMissingDeps(run.Package, build.Distribution)
	}
}

// ScheduleControl enqueues a build of the unmodified branch at the
// given revision.
func (s *Scheduler) ScheduleControl(pkg, mainBranchRevision string, estimated time.Duration) error {
	_, err := s.Store.AddToQueue(pkg, controlCommand, ControlSuite, 0, "control", mainBranchRevision, estimated, false, "control")
	return err
}

// retryMissingDeps re-enqueues packages whose most recent run in a
// suite depending on dist failed for lack of apt dependencies; the
// fresh build may satisfy them now.
func (s *Scheduler) retryMissingDeps(pkg, dist string) {
	log := s.log().WithField("distribution", dist)
	requestor := fmt.Sprintf("schedule-missing-deps (now newer %s is available)", pkg)
	for _, suite := range s.Config().SuitesForBuildDistribution(dist) {
		err := s.Store.IterLastRunsBySuite(suite.Name, func(blocked *state.Run) error {
			if blocked.ResultCode != MissingDepsResultCode {
				return nil
			}
			_, err := s.Store.AddToQueue(
				blocked.Package, blocked.Command, suite.Name, 0, "missing-deps",
				"", 0, false, requestor)
			return err
		})
		if err != nil {
			log.WithError(err).WithField("suite", suite.Name).Warning("Failed to re-enqueue blocked packages.")
		}
	}
}

func (s *Scheduler) followupFailure(run *state.Run, followups [][]Action) {
	log := s.log().WithFields(logrus.Fields{"package": run.Package, "suite": run.Suite})
	requestor := fmt.Sprintf("schedule-missing-deps (needed by %s)", run.Package)
	for _, scenario := range followups {
		for _, action := range scenario {
			switch action.Action {
			case ActionNewPackage:
				if err := s.scheduleNewPackage(action.UpstreamInfo, requestor); err != nil {
					log.WithError(err).Warning("Failed to schedule new-package import.")
				}
			case ActionUpdatePackage:
				if err := s.scheduleUpdatePackage(action.Package, requestor); err != nil {
					log.WithError(err).Warning("Failed to schedule package update.")
				}
			default:
				log.WithField("action", action.Action).Warning("Unknown follow-up action.")
			}
		}
	}
	if req := upstreamRequirement(run.ResultCode, run.FailureDetails); req != "" {
		// TODO(custodian): resolve upstream requirements automatically
		// instead of leaving them to the operator.
		log.WithField("requirement", req).Info("Run needs an upstream package.")
	}
}

// scheduleNewPackage registers an as yet unknown package and enqueues
// its bootstrap run.
func (s *Scheduler) scheduleNewPackage(info *UpstreamInfo, requestor string) error {
	if info == nil || info.Name == "" {
		return errors.New("new-package action without upstream info")
	}
	if _, err := s.Store.GetPackage(info.Name); err == nil {
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if err := s.Store.StorePackage(&state.Package{
		Name:      info.Name,
		BranchURL: info.BranchURL,
		VCSType:   strings.ToLower(info.VCSType),
	}); err != nil {
		return err
	}
	_, err := s.Store.AddToQueue(info.Name, controlCommand, BootstrapSuite, 0, "followup", "", 0, false, requestor)
	return err
}

// scheduleUpdatePackage enqueues a bump run for a known package.
func (s *Scheduler) scheduleUpdatePackage(pkg, requestor string) error {
	if pkg == "" {
		return errors.New("update-package action without package")
	}
	_, err := s.Store.AddToQueue(pkg, "new-upstream", "fresh-releases", 0, "followup", "", 0, false, requestor)
	return err
}

// upstreamRequirement reconstructs the upstream package a failed run
// was missing, when the failure details say.
func upstreamRequirement(resultCode string, details json.RawMessage) string {
	if resultCode != MissingDepsResultCode || len(details) == 0 {
		return ""
	}
	var parsed struct {
		Requirement string `json:"requirement"`
	}
	if err := json.Unmarshal(details, &parsed); err != nil {
		return ""
	}
	return parsed.Requirement
}
