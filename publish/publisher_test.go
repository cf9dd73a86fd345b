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
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

// fakeExecutor records requests and plays back a scripted response.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []*Request
	result   *Result
	err      error
}

func (f *fakeExecutor) Publish(ctx context.Context, req *Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		cp := *f.result
		return &cp, nil
	}
	return &Result{BranchName: "fixes", IsNew: false}, nil
}

func (f *fakeExecutor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeExecutor) lastRequest() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func newPublisher(t *testing.T, exec Executor, limiter RateLimiter) (*Publisher, *state.Store) {
	t.Helper()
	store, err := state.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{
		Suites: []config.Suite{{Name: "fixes", BranchName: "fixes"}},
		Policy: &config.Policy{Rules: []config.PolicyRule{{PublishMode: config.ModePropose}}},
	}
	p := NewPublisher(store, func() *config.Config { return cfg }, &vcs.LocalManager{Base: t.TempDir()}, exec, limiter, logrus.NewEntry(logrus.New()))
	return p, store
}

// seedRun stores the package and a successful run ready to publish.
func seedRun(t *testing.T, store *state.Store, pkg, runID, revision, branchURL string) *state.PublishCandidate {
	t.Helper()
	record := &state.Package{Name: pkg, MaintainerEmail: pkg + "-maint@example.com", BranchURL: branchURL, VCSType: "git"}
	if err := store.StorePackage(record); err != nil {
		t.Fatal(err)
	}
	run := &state.Run{
		ID: runID, Package: pkg, Suite: "fixes",
		Command:            "fix",
		ResultCode:         state.ResultCodeSuccess,
		Revision:           revision,
		MainBranchRevision: "main-" + revision,
		BranchURL:          branchURL,
		StartTime:          time.Now().Add(-time.Minute),
		FinishTime:         time.Now(),
	}
	if _, err := store.StoreRun(run, nil, 9999); err != nil {
		t.Fatal(err)
	}
	return &state.PublishCandidate{Run: run, Package: record, BranchName: "fixes", Mode: config.ModePropose}
}

func TestPublishSkipRecordsNothing(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")
	c.Mode = config.ModeSkip

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("skip: got a row, want none")
	}
	if exec.calls() != 0 {
		t.Errorf("executor ran %d times for skip", exec.calls())
	}
}

func TestPublishBuildOnlyRecordsWithoutExecuting(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")
	c.Mode = config.ModeBuildOnly

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.Mode != string(config.ModeBuildOnly) || row.Code != "success" {
		t.Fatalf("got row %+v, want a successful build-only row", row)
	}
	if exec.calls() != 0 {
		t.Errorf("executor ran %d times for build-only", exec.calls())
	}
	// Recording is terminal for the revision: no second row.
	again, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("second build-only produced a row: %+v", again)
	}
}

func TestPublishProposeOpensProposal(t *testing.T) {
	exec := &fakeExecutor{result: &Result{ProposalURL: "https://forge.example/pkg/mp/1", BranchName: "fixes", IsNew: true}}
	limiter := NewFixedRateLimiter(5)
	p, store := newPublisher(t, exec, limiter)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.Code != "success" {
		t.Fatalf("got row %+v, want success", row)
	}
	if row.ProposalURL != "https://forge.example/pkg/mp/1" {
		t.Errorf("proposal url: got %q", row.ProposalURL)
	}

	info, err := store.GetProposalInfo("https://forge.example/pkg/mp/1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != state.ProposalOpen || info.Package != "pkg" || info.Revision != "rev1" {
		t.Errorf("proposal info: %+v", info)
	}
	// The new proposal counts against the maintainer immediately.
	stats := limiter.Stats()
	if stats["pkg-maint@example.com"].Open != 1 {
		t.Errorf("limiter stats: %+v", stats)
	}

	req := exec.lastRequest()
	if !req.AllowCreateProposal || req.Mode != "propose" || req.LogID != "r1" {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestPublishIdempotent(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	if _, err := p.PublishOneRun(context.Background(), c, "test"); err != nil {
		t.Fatal(err)
	}
	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("second publish produced a row: %+v", row)
	}
	if exec.calls() != 1 {
		t.Errorf("executor ran %d times, want 1", exec.calls())
	}
}

func TestPublishRateLimitedDegrades(t *testing.T) {
	exec := &fakeExecutor{}
	// Slow start with no counts loaded denies everything.
	p, store := newPublisher(t, exec, NewSlowStartRateLimiter(5))
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.Mode != string(config.ModeBuildOnly) || row.Code != "success" {
		t.Fatalf("got row %+v, want a degraded build-only row", row)
	}
	if exec.calls() != 0 {
		t.Errorf("executor ran while rate limited")
	}
	// The degraded row does not block the proposal: once the limiter
	// lets the maintainer through again, the publish executes.
	p.Limiter.SetMpsPerMaintainer(map[string]int{}, map[string]int{})
	if _, err := p.PublishOneRun(context.Background(), c, "test"); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 1 {
		t.Errorf("executor ran %d times after the limiter opened, want 1", exec.calls())
	}
}

func TestAttemptPushDowngradedInSharedOrg(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://salsa.debian.org/debian/pkg")
	c.Mode = config.ModeAttemptPush

	if _, err := p.PublishOneRun(context.Background(), c, "test"); err != nil {
		t.Fatal(err)
	}
	req := exec.lastRequest()
	if req == nil || req.Mode != string(config.ModePropose) {
		t.Errorf("request mode: got %+v, want propose", req)
	}
}

func TestPushMarksRunAbsorbed(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")
	c.Mode = config.ModePush

	if _, err := p.PublishOneRun(context.Background(), c, "test"); err != nil {
		t.Fatal(err)
	}
	run, err := store.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if !run.Absorbed {
		t.Error("pushed run not marked absorbed")
	}
}

func TestPublishFailureRecorded(t *testing.T) {
	exec := &fakeExecutor{err: &Failure{Code: "missing-build-diff", Description: "no binary diff"}}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row.Code != "missing-build-diff" {
		t.Errorf("code: got %q", row.Code)
	}
	stored, err := store.GetPublish(row.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Code != "missing-build-diff" || stored.Description != "no binary diff" {
		t.Errorf("stored row: %+v", stored)
	}
	// Failures do not feed the idempotence index: a retry executes.
	if _, err := p.PublishOneRun(context.Background(), c, "test"); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 2 {
		t.Errorf("executor ran %d times, want 2", exec.calls())
	}
}

func TestPublishInvalidResponse(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("stdout was not JSON")}
	p, store := newPublisher(t, exec, nil)
	c := seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	row, err := p.PublishOneRun(context.Background(), c, "test")
	if err != nil {
		t.Fatal(err)
	}
	if row.Code != "publisher-invalid-response" {
		t.Errorf("code: got %q, want publisher-invalid-response", row.Code)
	}
}

func TestPublishPendingNew(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	seedRun(t, store, "pkg-a", "ra", "rev-a", "https://forge.example/pkg-a")
	seedRun(t, store, "pkg-b", "rb", "rev-b", "https://forge.example/pkg-b")

	if err := p.PublishPendingNew(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 2 {
		t.Fatalf("executor ran %d times, want 2", exec.calls())
	}
	// A second tick finds everything already published.
	if err := p.PublishPendingNew(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 2 {
		t.Errorf("executor ran %d times after second tick, want still 2", exec.calls())
	}
}

func TestPublishFromResultIgnoresFailures(t *testing.T) {
	exec := &fakeExecutor{}
	p, store := newPublisher(t, exec, nil)
	seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	if err := p.PublishFromResult(context.Background(), map[string]interface{}{
		"code": "build-failed", "package": "pkg", "suite": "fixes", "log_id": "r1",
	}); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 0 {
		t.Error("executor ran for a failed result")
	}

	if err := p.PublishFromResult(context.Background(), map[string]interface{}{
		"code": "success", "package": "pkg", "suite": "fixes", "log_id": "r1",
	}); err != nil {
		t.Fatal(err)
	}
	if exec.calls() != 1 {
		t.Errorf("executor ran %d times for a success result, want 1", exec.calls())
	}
}
