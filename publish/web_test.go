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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/state"
)

func newWeb(t *testing.T, exec Executor, limiter RateLimiter) (*Web, *state.Store, *httptest.Server) {
	t.Helper()
	p, store := newPublisher(t, exec, limiter)
	w := &Web{
		Publisher: p,
		Store:     store,
		Config:    p.Config,
		Limiter:   p.Limiter,
		Log:       logrus.NewEntry(logrus.New()),
	}
	ts := httptest.NewServer(w.Routes())
	t.Cleanup(ts.Close)
	return w, store, ts
}

func TestManualPublish(t *testing.T) {
	exec := &fakeExecutor{result: &Result{ProposalURL: "https://forge.example/pkg/mp/1", BranchName: "fixes", IsNew: true}}
	_, store, ts := newWeb(t, exec, nil)
	seedRun(t, store, "pkg", "r1", "rev1", "https://forge.example/pkg")

	resp, err := http.Post(ts.URL+"/publish/pkg/fixes", "application/json", strings.NewReader(`{"requestor": "operator"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", resp.StatusCode)
	}
	var row state.Publish
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatal(err)
	}
	if row.Code != "success" || row.Requestor != "operator" {
		t.Errorf("row: %+v", row)
	}
	if exec.calls() != 1 {
		t.Errorf("executor ran %d times, want 1", exec.calls())
	}
}

func TestManualPublishUnknownRun(t *testing.T) {
	_, _, ts := newWeb(t, &fakeExecutor{}, nil)
	resp, err := http.Post(ts.URL+"/publish/ghost/fixes", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitsEndpoint(t *testing.T) {
	limiter := NewFixedRateLimiter(2)
	limiter.SetMpsPerMaintainer(map[string]int{"m@example.com": 2}, map[string]int{"m@example.com": 1})
	_, _, ts := newWeb(t, &fakeExecutor{}, limiter)

	resp, err := http.Get(ts.URL + "/rate-limits")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc struct {
		PerMaintainer map[string]MaintainerStats `json:"per_maintainer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	s, ok := doc.PerMaintainer["m@example.com"]
	if !ok {
		t.Fatal("missing maintainer entry")
	}
	if s.Open != 2 || s.Merged != 1 || s.Allowed {
		t.Errorf("stats: %+v", s)
	}
}
