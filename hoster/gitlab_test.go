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

package hoster

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newGitLabServer(t *testing.T, handler http.HandlerFunc) *GitLab {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewGitLab(ts.URL, "secret")
}

func TestGitLabIterProposalsPaginates(t *testing.T) {
	var gotToken string
	g := newGitLabServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Private-Token")
		if r.URL.Path != "/api/v4/merge_requests" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("page") {
		case "1":
			w.Header().Set("X-Next-Page", "2")
			fmt.Fprint(w, `[{"iid": 1, "state": "opened", "web_url": "https://x/grp/pkg/-/merge_requests/1", "sha": "rev1", "source_branch": "fixes", "has_conflicts": true}]`)
		case "2":
			fmt.Fprint(w, `[{"iid": 2, "state": "merged", "web_url": "https://x/grp/pkg/-/merge_requests/2", "sha": "rev2", "source_branch": "fixes", "merged_by": {"username": "uploader"}}]`)
		default:
			http.Error(w, "bad page", http.StatusBadRequest)
		}
	})

	got, err := g.IterProposals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotToken != "secret" {
		t.Errorf("token header: got %q", gotToken)
	}
	want := []*Proposal{
		{
			URL:              "https://x/grp/pkg/-/merge_requests/1",
			Status:           StatusOpen,
			Revision:         "rev1",
			SourceBranchName: "fixes",
			TargetBranchURL:  "https://x/grp/pkg",
			Conflicted:       true,
		},
		{
			URL:              "https://x/grp/pkg/-/merge_requests/2",
			Status:           StatusMerged,
			Revision:         "rev2",
			MergedBy:         "uploader",
			SourceBranchName: "fixes",
			TargetBranchURL:  "https://x/grp/pkg",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("proposals differ: %s", diff)
	}
}

func TestGitLabCloseProposal(t *testing.T) {
	var closed bool
	g := newGitLabServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/api/v4/projects/grp/pkg/merge_requests/7" {
			if r.URL.Query().Get("state_event") != "close" {
				http.Error(w, "missing state_event", http.StatusBadRequest)
				return
			}
			closed = true
			fmt.Fprint(w, `{"iid": 7, "state": "closed"}`)
			return
		}
		http.NotFound(w, r)
	})

	if err := g.CloseProposal(context.Background(), g.BaseURL+"/grp/pkg/-/merge_requests/7"); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("close request never arrived")
	}
}

func TestGitLabFindExistingProposedBranch(t *testing.T) {
	g := newGitLabServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v4/projects/grp/pkg/repository/branches/fixes" {
			fmt.Fprint(w, `{"name": "fixes", "commit": {"id": "rev9"}}`)
			return
		}
		http.NotFound(w, r)
	})

	pb, err := g.FindExistingProposedBranch(context.Background(), g.BaseURL+"/grp/pkg", []string{"fixes/main", "fixes"})
	if err != nil {
		t.Fatal(err)
	}
	if pb == nil {
		t.Fatal("branch not found")
	}
	if pb.Name != "fixes" || pb.Revision != "rev9" {
		t.Errorf("branch: %+v", pb)
	}
	if want := g.BaseURL + "/grp/pkg,branch=fixes"; pb.URL != want {
		t.Errorf("branch URL: got %q, want %q", pb.URL, want)
	}

	pb, err = g.FindExistingProposedBranch(context.Background(), g.BaseURL+"/grp/other", []string{"fixes"})
	if err != nil {
		t.Fatal(err)
	}
	if pb != nil {
		t.Errorf("unexpected branch: %+v", pb)
	}
}
