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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// GitLab speaks the GitLab REST API for one instance. Only the
// fleet's own account is visible: proposal enumeration is scoped to
// merge requests this token created.
type GitLab struct {
	// BaseURL is the instance root, e.g. "https://salsa.debian.org".
	BaseURL string
	// Token is a private token with api scope.
	Token string

	client *retryablehttp.Client
}

var _ Hoster = &GitLab{}

// NewGitLab creates a client for the instance at baseURL.
func NewGitLab(baseURL, token string) *GitLab {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil
	return &GitLab{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		client:  client,
	}
}

// Name implements Hoster.
func (g *GitLab) Name() string {
	if u, err := url.Parse(g.BaseURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "gitlab"
}

// HostsURL implements Hoster.
func (g *GitLab) HostsURL(branchURL string) bool {
	return strings.HasPrefix(branchURL, g.BaseURL+"/")
}

func (g *GitLab) do(ctx context.Context, method, path string, query url.Values, out interface{}) (http.Header, error) {
	u := g.BaseURL + "/api/v4" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequest(method, u, nil)
	if err != nil {
		return nil, err
	}
	if g.Token != "" {
		req.Header.Set("Private-Token", g.Token)
	}
	resp, err := g.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.Header, errNotFound
	}
	if resp.StatusCode >= 400 {
		return resp.Header, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, err
		}
	}
	return resp.Header, nil
}

var errNotFound = fmt.Errorf("not found")

// gitlabMR is the subset of the merge request document we consume.
type gitlabMR struct {
	IID          int    `json:"iid"`
	ProjectID    int    `json:"project_id"`
	State        string `json:"state"`
	WebURL       string `json:"web_url"`
	SHA          string `json:"sha"`
	SourceBranch string `json:"source_branch"`
	HasConflicts bool   `json:"has_conflicts"`
	MergedBy     *struct {
		Username string `json:"username"`
	} `json:"merged_by"`
}

func (g *GitLab) proposalFromMR(mr *gitlabMR) *Proposal {
	status := StatusOpen
	switch mr.State {
	case "merged":
		status = StatusMerged
	case "closed", "locked":
		status = StatusClosed
	}
	p := &Proposal{
		URL:              mr.WebURL,
		Status:           status,
		Revision:         mr.SHA,
		SourceBranchName: mr.SourceBranch,
		TargetBranchURL:  projectURLFromMR(mr.WebURL),
		Conflicted:       mr.HasConflicts,
	}
	if mr.MergedBy != nil {
		p.MergedBy = mr.MergedBy.Username
	}
	return p
}

// projectURLFromMR strips the merge-request suffix off a web URL,
// leaving the project URL.
func projectURLFromMR(webURL string) string {
	if i := strings.Index(webURL, "/-/merge_requests/"); i >= 0 {
		return webURL[:i]
	}
	return webURL
}

// IterProposals implements Hoster, walking the paginated list of merge
// requests created by the token's account.
func (g *GitLab) IterProposals(ctx context.Context) ([]*Proposal, error) {
	var out []*Proposal
	page := "1"
	for page != "" {
		query := url.Values{
			"scope":    {"created_by_me"},
			"per_page": {"100"},
			"page":     {page},
		}
		var mrs []gitlabMR
		header, err := g.do(ctx, http.MethodGet, "/merge_requests", query, &mrs)
		if err != nil {
			return nil, err
		}
		for i := range mrs {
			out = append(out, g.proposalFromMR(&mrs[i]))
		}
		page = header.Get("X-Next-Page")
	}
	return out, nil
}

// mrRef resolves a merge request web URL into its API coordinates.
func (g *GitLab) mrRef(proposalURL string) (project, iid string, err error) {
	rest := strings.TrimPrefix(proposalURL, g.BaseURL+"/")
	i := strings.Index(rest, "/-/merge_requests/")
	if rest == proposalURL || i < 0 {
		return "", "", fmt.Errorf("not a merge request URL on %s: %s", g.BaseURL, proposalURL)
	}
	return rest[:i], strings.TrimSuffix(rest[i+len("/-/merge_requests/"):], "/"), nil
}

// GetProposal implements Hoster.
func (g *GitLab) GetProposal(ctx context.Context, proposalURL string) (*Proposal, error) {
	project, iid, err := g.mrRef(proposalURL)
	if err != nil {
		return nil, err
	}
	var mr gitlabMR
	path := fmt.Sprintf("/projects/%s/merge_requests/%s", url.PathEscape(project), iid)
	if _, err := g.do(ctx, http.MethodGet, path, nil, &mr); err != nil {
		return nil, err
	}
	return g.proposalFromMR(&mr), nil
}

// CloseProposal implements Hoster.
func (g *GitLab) CloseProposal(ctx context.Context, proposalURL string) error {
	project, iid, err := g.mrRef(proposalURL)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/projects/%s/merge_requests/%s", url.PathEscape(project), iid)
	_, err = g.do(ctx, http.MethodPut, path, url.Values{"state_event": {"close"}}, nil)
	return err
}

// gitlabBranch is the subset of the repository branch document we
// consume.
type gitlabBranch struct {
	Name   string `json:"name"`
	Commit struct {
		ID string `json:"id"`
	} `json:"commit"`
}

// FindExistingProposedBranch implements Hoster by probing the branches
// of the project behind the main branch URL, in the caller's order.
func (g *GitLab) FindExistingProposedBranch(ctx context.Context, mainBranchURL string, branchNames []string) (*ProposedBranch, error) {
	project := strings.TrimSuffix(strings.TrimPrefix(mainBranchURL, g.BaseURL+"/"), ".git")
	if project == mainBranchURL {
		return nil, fmt.Errorf("%s is not on %s", mainBranchURL, g.BaseURL)
	}
	for _, name := range branchNames {
		var branch gitlabBranch
		path := fmt.Sprintf("/projects/%s/repository/branches/%s",
			url.PathEscape(project), url.PathEscape(name))
		_, err := g.do(ctx, http.MethodGet, path, nil, &branch)
		if err == errNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &ProposedBranch{
			URL:      fmt.Sprintf("%s,branch=%s", strings.TrimSuffix(mainBranchURL, "/"), url.QueryEscape(name)),
			Name:     name,
			Revision: branch.Commit.ID,
		}, nil
	}
	return nil, nil
}
