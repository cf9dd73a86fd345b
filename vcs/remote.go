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

package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// gitRevisionPrefix is the marker the store prepends to git revision
// ids; it is stripped before revisions appear in diff URLs.
const gitRevisionPrefix = "git-v1:"

// RemoteManager serves a store exposed over HTTP, one base URL per vcs
// type under {base}/{vcs}/.
type RemoteManager struct {
	baseURLs map[string]string
	client   *retryablehttp.Client
}

// NewRemoteManager creates a manager for the store at base.
func NewRemoteManager(base string) *RemoteManager {
	base = strings.TrimSuffix(base, "/")
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil
	return &RemoteManager{
		baseURLs: map[string]string{
			"git": base + "/git",
			"bzr": base + "/bzr",
		},
		client: client,
	}
}

func (m *RemoteManager) String() string {
	return fmt.Sprintf("RemoteManager(%q, %q)", m.baseURLs["git"], m.baseURLs["bzr"])
}

// GetBranchURL implements Manager.
func (m *RemoteManager) GetBranchURL(codebase, branchName, vcsType string) string {
	base, ok := m.baseURLs[vcsType]
	if !ok {
		return ""
	}
	switch vcsType {
	case "git":
		return fmt.Sprintf("%s/%s,branch=%s", base, codebase, url.QueryEscape(branchName))
	case "bzr":
		return fmt.Sprintf("%s/%s/%s", base, codebase, branchName)
	}
	return ""
}

// GetRepositoryURL implements Manager.
func (m *RemoteManager) GetRepositoryURL(codebase, vcsType string) string {
	base, ok := m.baseURLs[vcsType]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/%s", base, codebase)
}

// GetDiffURL implements Manager. Git revisions carry a scheme prefix
// on the wire that the diff service does not expect.
func (m *RemoteManager) GetDiffURL(codebase, oldRevision, newRevision, vcsType string) string {
	base, ok := m.baseURLs[vcsType]
	if !ok {
		return ""
	}
	if vcsType == "git" {
		oldRevision = strings.TrimPrefix(oldRevision, gitRevisionPrefix)
		newRevision = strings.TrimPrefix(newRevision, gitRevisionPrefix)
	}
	return fmt.Sprintf("%s/%s/diff?old=%s&new=%s",
		base, codebase, url.QueryEscape(oldRevision), url.QueryEscape(newRevision))
}

// GetCachedBranch implements Manager with an HTTP probe. Connection
// failures only mean the cache is unavailable right now; they are
// logged and swallowed.
func (m *RemoteManager) GetCachedBranch(ctx context.Context, codebase, branchName, vcsType string) (string, bool) {
	types := SupportedVCSes
	if vcsType != "" {
		types = []string{vcsType}
	}
	for _, vcs := range types {
		branchURL := m.GetBranchURL(codebase, branchName, vcs)
		if branchURL == "" {
			continue
		}
		probe := m.GetRepositoryURL(codebase, vcs)
		if vcs == "git" {
			probe += "/info/refs?service=git-upload-pack"
		}
		req, err := retryablehttp.NewRequest(http.MethodGet, probe, nil)
		if err != nil {
			continue
		}
		resp, err := m.client.Do(req.WithContext(ctx))
		if err != nil {
			logrus.WithError(err).WithField("url", probe).Info("Unable to reach cache server.")
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return branchURL, true
		}
	}
	return "", false
}

// ListRepositories implements Manager. The store serves a JSON list of
// repository names per vcs type.
func (m *RemoteManager) ListRepositories(ctx context.Context, vcsType string) ([]string, error) {
	base, ok := m.baseURLs[vcsType]
	if !ok {
		return nil, fmt.Errorf("unsupported vcs type %q", vcsType)
	}
	req, err := retryablehttp.NewRequest(http.MethodGet, base+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s repositories: status %d", vcsType, resp.StatusCode)
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, err
	}
	return names, nil
}

// BaseURL implements Manager.
func (m *RemoteManager) BaseURL(vcsType string) string {
	return m.baseURLs[vcsType]
}
