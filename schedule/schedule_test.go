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

package schedule

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/state"
)

func newScheduler(t *testing.T, cfg *config.Config) (*Scheduler, *state.Store) {
	t.Helper()
	store, err := state.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Scheduler{Store: store, Config: func() *config.Config { return cfg }}, store
}

func queuedSuites(t *testing.T, store *state.Store) map[string]*state.QueueItem {
	t.Helper()
	items, err := store.IterQueue(0)
	if err != nil {
		t.Fatal(err)
	}
	bySuite := map[string]*state.QueueItem{}
	for _, item := range items {
		bySuite[item.Suite] = item
	}
	return bySuite
}

func TestSuccessSchedulesControlRun(t *testing.T) {
	s, store := newScheduler(t, nil)
	run := &state.Run{
		ID: "r1", Package: "pkg", Suite: "fixes",
		ResultCode:         state.ResultCodeSuccess,
		MainBranchRevision: "rev-main",
		StartTime:          time.Now().Add(-time.Minute),
		FinishTime:         time.Now(),
	}
	s.RunFinished(run, nil, nil)

	item := queuedSuites(t, store)[ControlSuite]
	if item == nil {
		t.Fatal("expected a control run to be enqueued")
	}
	if item.Command != "just-build" || item.Bucket != "control" || item.Context != "rev-main" {
		t.Errorf("unexpected control item: %+v", item)
	}
}

func TestControlSuiteDoesNotRecurse(t *testing.T) {
	s, store := newScheduler(t, nil)
	run := &state.Run{
		ID: "r1", Package: "pkg", Suite: ControlSuite,
		ResultCode:         state.ResultCodeSuccess,
		MainBranchRevision: "rev-main",
	}
	s.RunFinished(run, nil, nil)
	if items, _ := store.IterQueue(0); len(items) != 0 {
		t.Errorf("control run must not instigate follow-ups, queued %v", items)
	}
}

func TestNoDuplicateControlRun(t *testing.T) {
	s, store := newScheduler(t, nil)
	// A success already exists for (pkg, rev-main).
	prior := &state.Run{
		ID: "r0", Package: "pkg", Suite: ControlSuite,
		ResultCode: state.ResultCodeSuccess, MainBranchRevision: "rev-main",
		Revision: "rev-main",
	}
	if _, err := store.StoreRun(prior, nil, 0); err != nil {
		t.Fatal(err)
	}

	run := &state.Run{
		ID: "r1", Package: "pkg", Suite: "fixes",
		ResultCode: state.ResultCodeSuccess, MainBranchRevision: "rev-main",
	}
	s.RunFinished(run, nil, nil)
	if items, _ := store.IterQueue(0); len(items) != 0 {
		t.Errorf("expected no control run when one already succeeded, queued %v", items)
	}
}

func TestMissingDepsRetry(t *testing.T) {
	cfg := &config.Config{
		Suites: []config.Suite{
			{Name: "downstream", DebianBuild: &config.DebianBuild{
				ExtraBuildDistribution: []string{"fixes"},
			}},
		},
	}
	s, store := newScheduler(t, cfg)

	// A package in the dependent suite previously failed on deps.
	blocked := &state.Run{
		ID: "r-blocked", Package: "blocked-pkg", Suite: "downstream",
		Command: "brush", ResultCode: MissingDepsResultCode,
	}
	if _, err := store.StoreRun(blocked, nil, 0); err != nil {
		t.Fatal(err)
	}

	run := &state.Run{
		ID: "r1", Package: "dep-pkg", Suite: "fixes",
		ResultCode: state.ResultCodeSuccess,
	}
	build := &state.DebianBuild{Source: "dep-pkg", Version: "1.0", Distribution: "fixes"}
	s.RunFinished(run, build, nil)

	item := queuedSuites(t, store)["downstream"]
	if item == nil {
		t.Fatal("expected blocked package to be re-enqueued")
	}
	if item.Package != "blocked-pkg" || item.Bucket != "missing-deps" {
		t.Errorf("unexpected retry item: %+v", item)
	}
}

func TestFailureFollowupNewPackage(t *testing.T) {
	s, store := newScheduler(t, nil)
	run := &state.Run{ID: "r1", Package: "pkg", Suite: "fixes", ResultCode: "build-failed"}
	s.RunFinished(run, nil, [][]Action{{
		{Action: ActionNewPackage, UpstreamInfo: &UpstreamInfo{
			Name: "newdep", BranchURL: "https://forge.example/newdep", VCSType: "Git",
		}},
	}})

	p, err := store.GetPackage("newdep")
	if err != nil {
		t.Fatalf("expected new package registered: %v", err)
	}
	if p.VCSType != "git" {
		t.Errorf("vcs type not normalized: %q", p.VCSType)
	}
	if item := queuedSuites(t, store)[BootstrapSuite]; item == nil || item.Package != "newdep" {
		t.Errorf("expected bootstrap run for newdep, got %+v", item)
	}
}

func TestFailureFollowupUpdatePackage(t *testing.T) {
	s, store := newScheduler(t, nil)
	run := &state.Run{ID: "r1", Package: "pkg", Suite: "fixes", ResultCode: "build-failed"}
	s.RunFinished(run, nil, [][]Action{{
		{Action: ActionUpdatePackage, Package: "olddep", DesiredVersion: "2.0"},
	}})

	item := queuedSuites(t, store)["fresh-releases"]
	if item == nil || item.Package != "olddep" {
		t.Errorf("expected bump run for olddep, got %+v", item)
	}
}
