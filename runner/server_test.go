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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/artifacts"
	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/hoster"
	"github.com/custodian-sh/custodian/logs"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

type testEnv struct {
	store     *state.Store
	cfg       *config.Config
	processor *Processor
	server    *Server
	http      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := state.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Committer: "Custodian Bot <bot@custodian.example>",
		Distribution: config.Distribution{
			Name:             "unstable",
			ArchiveMirrorURI: "http://deb.example/debian",
			Component:        []string{"main"},
			Vendor:           "debian",
		},
		Suites: []config.Suite{{Name: "fixes", BranchName: "fixes"}},
	}
	getter := func() *config.Config { return cfg }

	logMgr, err := logs.NewManager(context.Background(), "mem://")
	if err != nil {
		t.Fatal(err)
	}
	artifactMgr, err := artifacts.NewManager(context.Background(), "mem://")
	if err != nil {
		t.Fatal(err)
	}

	log := logrus.NewEntry(logrus.New())
	processor := NewProcessor(store, getter, nil, log)
	server := &Server{
		Processor:  processor,
		Store:      store,
		Config:     getter,
		VCSManager: &vcs.LocalManager{Base: t.TempDir()},
		Opener:     vcs.NewOpener(),
		Logs:       logMgr,
		Artifacts:  artifactMgr,
		Log:        log,
	}
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{store: store, cfg: cfg, processor: processor, server: server, http: ts}
}

// seedPackage registers a package and queues one run for it under the
// fixes suite, returning the queue id.
func (e *testEnv) seedPackage(t *testing.T, name, branchURL, command string) uint64 {
	t.Helper()
	if err := e.store.StorePackage(&state.Package{
		Name:            name,
		MaintainerEmail: "maint@example.com",
		BranchURL:       branchURL,
		VCSType:         "git",
	}); err != nil {
		t.Fatal(err)
	}
	id, err := e.store.AddToQueue(name, command, "fixes", 0, "default", "", 0, false, "test")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (e *testEnv) assign(t *testing.T, worker string) (*http.Response, map[string]interface{}) {
	t.Helper()
	body := fmt.Sprintf(`{"worker": %q}`, worker)
	resp, err := http.Post(e.http.URL+"/assign", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	doc := map[string]interface{}{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding assign response: %v", err)
	}
	return resp, doc
}

func TestAssignHappyPath(t *testing.T) {
	e := newTestEnv(t)
	qid := e.seedPackage(t, "pkg", "file:/src/pkg,branch=master", "FOO=bar lintian-brush")

	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign: got status %d, want 201: %v", resp.StatusCode, doc)
	}
	if got := doc["queue_id"].(float64); uint64(got) != qid {
		t.Errorf("queue_id: got %v, want %d", got, qid)
	}
	if doc["suite"] != "fixes" {
		t.Errorf("suite: got %v", doc["suite"])
	}
	if doc["command"] != "lintian-brush" {
		t.Errorf("command: got %v, want env prefix stripped", doc["command"])
	}
	env := doc["env"].(map[string]interface{})
	for key, want := range map[string]string{
		"FOO":              "bar",
		"PACKAGE":          "pkg",
		"MAINTAINER_EMAIL": "maint@example.com",
		"DEBEMAIL":         "bot@custodian.example",
		"DEBFULLNAME":      "Custodian Bot",
	} {
		if env[key] != want {
			t.Errorf("env[%s]: got %v, want %q", key, env[key], want)
		}
	}
	branch := doc["branch"].(map[string]interface{})
	if branch["url"] != "file:/src/pkg,branch=master" {
		t.Errorf("branch url: got %v", branch["url"])
	}
	if doc["resume"] != nil {
		t.Errorf("resume: got %v, want null", doc["resume"])
	}
	if e.processor.Active.Len() != 1 {
		t.Errorf("active runs: got %d, want 1", e.processor.Active.Len())
	}
}

func TestAssignEmptyQueue(t *testing.T) {
	e := newTestEnv(t)
	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", resp.StatusCode)
	}
	if doc["reason"] != "queue empty" {
		t.Errorf("reason: got %v", doc["reason"])
	}
}

func TestAssignExactlyOnce(t *testing.T) {
	e := newTestEnv(t)
	e.seedPackage(t, "pkg", "file:/src/pkg", "fix")

	const workers = 8
	codes := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _ := e.assign(t, fmt.Sprintf("worker-%d", i))
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	var created, unavailable int
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusServiceUnavailable:
			unavailable++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	if created != 1 {
		t.Errorf("assignments: got %d, want exactly 1", created)
	}
	if unavailable != workers-1 {
		t.Errorf("rejections: got %d, want %d", unavailable, workers-1)
	}
}

func TestAssignWithoutBranchURL(t *testing.T) {
	e := newTestEnv(t)
	if err := e.store.StorePackage(&state.Package{Name: "orphan"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.AddToQueue("orphan", "fix", "fixes", 0, "default", "", 0, false, "test"); err != nil {
		t.Fatal(err)
	}

	resp, _ := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503 after not-in-vcs finish", resp.StatusCode)
	}
	run, err := e.store.GetLastRun("orphan", "fixes")
	if err != nil {
		t.Fatal(err)
	}
	if run.ResultCode != "not-in-vcs" {
		t.Errorf("result code: got %q, want not-in-vcs", run.ResultCode)
	}
	if n, _ := e.store.QueueLength(); n != 0 {
		t.Errorf("queue length: got %d, want 0", n)
	}
}

func TestAssignRateLimitedHost(t *testing.T) {
	e := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	e.seedPackage(t, "pkg", upstream.URL+"/pkg.git", "fix")

	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429: %v", resp.StatusCode, doc)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("Retry-After: got %q, want 60", resp.Header.Get("Retry-After"))
	}
	// The queue item must not be consumed: the host will recover.
	if n, _ := e.store.QueueLength(); n != 1 {
		t.Errorf("queue length: got %d, want 1", n)
	}
	if e.processor.Active.Len() != 0 {
		t.Errorf("active runs: got %d, want 0", e.processor.Active.Len())
	}

	// While the backoff holds, the item is invisible to assignment.
	resp, _ = e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503 while host is backing off", resp.StatusCode)
	}
}

func TestAssignBranchMissing(t *testing.T) {
	e := newTestEnv(t)
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	e.seedPackage(t, "pkg", upstream.URL+"/pkg.git", "fix")

	resp, _ := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503 after branch-missing finish", resp.StatusCode)
	}
	run, err := e.store.GetLastRun("pkg", "fixes")
	if err != nil {
		t.Fatal(err)
	}
	if run.ResultCode != vcs.CodeBranchMissing {
		t.Errorf("result code: got %q, want %q", run.ResultCode, vcs.CodeBranchMissing)
	}
}

func TestAssignResumeFromProposedBranch(t *testing.T) {
	e := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	branchURL := upstream.URL + "/pkg"

	fake := &hoster.Fake{HostPrefix: upstream.URL}
	fake.AddProposedBranch(branchURL, "fixes", branchURL+"/-/tree/fixes", "rev-old")
	e.server.Hosters = []hoster.Hoster{fake}

	// The success run backing the proposed branch head.
	prior := &state.Run{
		ID: "prior", Package: "pkg", Suite: "fixes",
		ResultCode: state.ResultCodeSuccess,
		Revision:   "rev-old",
		ResultBranches: []state.ResultBranch{
			{Role: "main", Name: "master", BaseRevision: "base", Revision: "rev-old"},
		},
		StartTime:  time.Now().Add(-time.Hour),
		FinishTime: time.Now().Add(-time.Hour),
	}
	if _, err := e.store.StoreRun(prior, nil, 9999); err != nil {
		t.Fatal(err)
	}

	e.seedPackage(t, "pkg", branchURL, "fix")
	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %v", resp.StatusCode, doc)
	}
	resume, ok := doc["resume"].(map[string]interface{})
	if !ok {
		t.Fatalf("resume: got %v, want a document", doc["resume"])
	}
	if resume["branch_url"] != branchURL+"/-/tree/fixes" {
		t.Errorf("resume branch_url: got %v", resume["branch_url"])
	}
	branches := resume["branches"].([]interface{})
	if len(branches) != 1 {
		t.Fatalf("resume branches: got %v", branches)
	}
}

func TestAssignResumeRejectedInReview(t *testing.T) {
	e := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	branchURL := upstream.URL + "/pkg"

	fake := &hoster.Fake{HostPrefix: upstream.URL}
	fake.AddProposedBranch(branchURL, "fixes", branchURL+"/-/tree/fixes", "rev-old")
	e.server.Hosters = []hoster.Hoster{fake}

	prior := &state.Run{
		ID: "prior", Package: "pkg", Suite: "fixes",
		ResultCode: state.ResultCodeSuccess,
		Revision:   "rev-old",
		StartTime:  time.Now().Add(-time.Hour),
		FinishTime: time.Now().Add(-time.Hour),
	}
	if _, err := e.store.StoreRun(prior, nil, 9999); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SetRunReviewStatus("prior", state.ReviewRejected); err != nil {
		t.Fatal(err)
	}

	e.seedPackage(t, "pkg", branchURL, "fix")
	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got status %d, want 201: %v", resp.StatusCode, doc)
	}
	if doc["resume"] != nil {
		t.Errorf("resume: got %v, want null for a rejected run", doc["resume"])
	}
}

// finishBody builds the multipart body a worker posts on finish.
func finishBody(t *testing.T, wr *WorkerResult, files map[string][]byte) (string, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("result.json", "result.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(part).Encode(wr); err != nil {
		t.Fatal(err)
	}
	for name, data := range files {
		p, err := mw.CreateFormFile(name, name)
		if err != nil {
			t.Fatal(err)
		}
		p.Write(data)
	}
	mw.Close()
	return mw.FormDataContentType(), buf
}

func TestFinishRunStoresEverything(t *testing.T) {
	e := newTestEnv(t)
	qid := e.seedPackage(t, "pkg", "file:/src/pkg", "fix")
	resp, doc := e.assign(t, "worker-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign failed: %v", doc)
	}
	logID := doc["id"].(string)

	wr := &WorkerResult{
		Description:        "Fixed all the things.",
		MainBranchRevision: "rev-main",
		Revision:           "rev-new",
		Branches:           [][]string{{"main", "master", "rev-main", "rev-new"}},
		StartTime:          time.Now().Add(-time.Minute).UTC(),
		FinishTime:         time.Now().UTC(),
		QueueID:            qid,
	}
	ctype, body := finishBody(t, wr, map[string][]byte{
		"worker.log":  []byte("log line\n"),
		"foo.changes": []byte("changes file"),
	})
	fresp, err := http.Post(e.http.URL+"/active-runs/"+logID+"/finish", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	defer fresp.Body.Close()
	if fresp.StatusCode != http.StatusCreated {
		raw, _ := ioutil.ReadAll(fresp.Body)
		t.Fatalf("finish: got status %d: %s", fresp.StatusCode, raw)
	}

	run, err := e.store.GetRun(logID)
	if err != nil {
		t.Fatal(err)
	}
	if run.ResultCode != state.ResultCodeSuccess {
		t.Errorf("result code: got %q, want success", run.ResultCode)
	}
	if len(run.Logfilenames) != 1 || run.Logfilenames[0] != "worker.log" {
		t.Errorf("logfilenames: got %v", run.Logfilenames)
	}
	if n, _ := e.store.QueueLength(); n != 0 {
		t.Errorf("queue length: got %d, want 0", n)
	}
	if e.processor.Active.Len() != 0 {
		t.Errorf("active runs: got %d, want 0", e.processor.Active.Len())
	}

	names, err := e.server.Logs.List(context.Background(), "pkg", logID)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "worker.log" {
		t.Errorf("stored logs: got %v", names)
	}
	arts, err := e.server.Artifacts.List(context.Background(), "pkg", logID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0] != "foo.changes" {
		t.Errorf("stored artifacts: got %v", arts)
	}

	// Replaying the same finish after the run is gone from the registry
	// is a duplicate: 200, not 201.
	ctype, body = finishBody(t, wr, nil)
	fresp2, err := http.Post(e.http.URL+"/active-runs/"+logID+"/finish", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	defer fresp2.Body.Close()
	if fresp2.StatusCode != http.StatusOK {
		t.Errorf("duplicate finish: got status %d, want 200", fresp2.StatusCode)
	}
}

func TestWatchdogReapsSilentRun(t *testing.T) {
	e := newTestEnv(t)
	qid := e.seedPackage(t, "pkg", "file:/src/pkg", "fix")
	item, err := e.store.GetQueueItem(qid)
	if err != nil {
		t.Fatal(err)
	}
	active := NewActiveRun(item, "worker-1", "")
	e.processor.RegisterRun(active)
	e.processor.startWatchdogInterval(active, 10*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	var run *state.Run
	for time.Now().Before(deadline) {
		if r, err := e.store.GetRun(active.LogID); err == nil {
			run = r
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if run == nil {
		t.Fatal("watchdog never stored a run")
	}
	if run.ResultCode != "worker-timeout" {
		t.Errorf("result code: got %q, want worker-timeout", run.ResultCode)
	}
	if n, _ := e.store.QueueLength(); n != 0 {
		t.Errorf("queue length: got %d, want 0", n)
	}

	// The worker comes back late: its finish is tolerated and answered
	// with the stored run.
	wr := &WorkerResult{
		Revision:   "rev-new",
		StartTime:  active.StartTime,
		FinishTime: time.Now().UTC(),
		QueueID:    qid,
	}
	ctype, body := finishBody(t, wr, nil)
	resp, err := http.Post(e.http.URL+"/active-runs/"+active.LogID+"/finish", ctype, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("late finish: got status %d, want 200", resp.StatusCode)
	}
	var stored state.Run
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.ResultCode != "worker-timeout" {
		t.Errorf("late finish returned %q, want the stored worker-timeout run", stored.ResultCode)
	}
}

func TestKeepaliveAndKill(t *testing.T) {
	e := newTestEnv(t)
	e.seedPackage(t, "pkg", "file:/src/pkg", "fix")
	_, doc := e.assign(t, "worker-1")
	logID := doc["id"].(string)

	keepalive := func() map[string]bool {
		resp, err := http.Post(e.http.URL+"/active-runs/"+logID+"/keepalive", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("keepalive: got status %d", resp.StatusCode)
		}
		out := map[string]bool{}
		json.NewDecoder(resp.Body).Decode(&out)
		return out
	}

	if keepalive()["kill"] {
		t.Error("kill requested before any kill call")
	}
	resp, err := http.Post(e.http.URL+"/kill/"+logID, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill: got status %d", resp.StatusCode)
	}
	if !keepalive()["kill"] {
		t.Error("kill not surfaced on keepalive")
	}

	resp, err = http.Post(e.http.URL+"/active-runs/no-such-run/keepalive", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run keepalive: got status %d, want 404", resp.StatusCode)
	}
}

func TestLogStreamingAndFetch(t *testing.T) {
	e := newTestEnv(t)
	e.seedPackage(t, "pkg", "file:/src/pkg", "fix")
	_, doc := e.assign(t, "worker-1")
	logID := doc["id"].(string)

	for _, chunk := range []string{"first line\n", "second line\n"} {
		resp, err := http.Post(e.http.URL+"/active-runs/"+logID+"/log/worker.log", "text/plain", strings.NewReader(chunk))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("log chunk: got status %d", resp.StatusCode)
		}
	}

	resp, err := http.Get(e.http.URL + "/log/" + logID)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	json.NewDecoder(resp.Body).Decode(&names)
	resp.Body.Close()
	if len(names) != 1 || names[0] != "worker.log" {
		t.Fatalf("log index: got %v", names)
	}

	resp, err = http.Get(e.http.URL + "/log/" + logID + "/worker.log")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "first line\nsecond line\n" {
		t.Errorf("log content: got %q", data)
	}
}

func TestSplitCommandEnv(t *testing.T) {
	for _, tc := range []struct {
		command string
		argv    string
		env     map[string]string
	}{
		{"lintian-brush", "lintian-brush", map[string]string{}},
		{"FOO=bar lintian-brush --verbose", "lintian-brush --verbose", map[string]string{"FOO": "bar"}},
		{"A=1 B=2 cmd", "cmd", map[string]string{"A": "1", "B": "2"}},
		{"cmd A=1", "cmd A=1", map[string]string{}},
		{"", "", map[string]string{}},
	} {
		argv, env := splitCommandEnv(tc.command)
		if got := strings.Join(argv, " "); got != tc.argv {
			t.Errorf("splitCommandEnv(%q) argv: got %q, want %q", tc.command, got, tc.argv)
		}
		if len(env) != len(tc.env) {
			t.Errorf("splitCommandEnv(%q) env: got %v, want %v", tc.command, env, tc.env)
			continue
		}
		for k, v := range tc.env {
			if env[k] != v {
				t.Errorf("splitCommandEnv(%q) env[%s]: got %q, want %q", tc.command, k, env[k], v)
			}
		}
	}
}

func TestIsLogFilename(t *testing.T) {
	for name, want := range map[string]bool{
		"worker.log":   true,
		"build.log.1":  true,
		"build.log.12": true,
		"foo.changes":  false,
		"logfile":      false,
		"a.log.txt":    false,
	} {
		if got := isLogFilename(name); got != want {
			t.Errorf("isLogFilename(%q): got %v, want %v", name, got, want)
		}
	}
}
