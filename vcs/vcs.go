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

// Package vcs provides the facade over the VCS store that caches
// mirrored branches and repositories, and the fixed taxonomy every
// branch-open problem is normalized into before it crosses a module
// boundary. The control plane never performs VCS operations itself; it
// resolves URLs for workers and probes reachability.
package vcs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SupportedVCSes are the version control systems the store mirrors.
var SupportedVCSes = []string{"git", "bzr"}

// Supported reports whether vcsType is one the store can cache.
func Supported(vcsType string) bool {
	for _, v := range SupportedVCSes {
		if v == vcsType {
			return true
		}
	}
	return false
}

// Manager resolves branches and repositories in the VCS store. Cache
// lookups are best-effort: a store that cannot be reached yields
// nothing, never an error.
type Manager interface {
	// GetBranchURL returns the URL of a cached branch of a codebase.
	GetBranchURL(codebase, branchName, vcsType string) string
	// GetRepositoryURL returns the URL of a cached repository.
	GetRepositoryURL(codebase, vcsType string) string
	// GetDiffURL returns the diff-service URL between two revisions,
	// or "" when the store cannot serve diffs for the vcs type.
	GetDiffURL(codebase, oldRevision, newRevision, vcsType string) string
	// GetCachedBranch probes for a cached branch and returns its URL.
	// A missing branch or an unreachable store returns ok=false.
	GetCachedBranch(ctx context.Context, codebase, branchName, vcsType string) (url string, ok bool)
	// ListRepositories enumerates the cached repositories of one type.
	ListRepositories(ctx context.Context, vcsType string) ([]string, error)
	// BaseURL returns the store base workers should use for the type.
	BaseURL(vcsType string) string
}

// NewManager selects a manager implementation from the configured
// location: HTTP(S) URLs get the remote manager, anything else the
// local filesystem layout.
func NewManager(location string) Manager {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewRemoteManager(location)
	}
	return &LocalManager{Base: location}
}

// LocalManager serves a store laid out as {base}/{vcs}/{codebase} on
// the local filesystem.
type LocalManager struct {
	Base string
}

func (m *LocalManager) String() string {
	return fmt.Sprintf("LocalManager(%q)", m.Base)
}

// GetBranchURL implements Manager. Git branches are addressed with a
// branch segment parameter on the repository; bzr branches are
// directories.
func (m *LocalManager) GetBranchURL(codebase, branchName, vcsType string) string {
	switch vcsType {
	case "git":
		return fmt.Sprintf("file:%s,branch=%s",
			filepath.Join(m.Base, "git", codebase), url.QueryEscape(branchName))
	case "bzr":
		return filepath.Join(m.Base, "bzr", codebase, branchName)
	}
	return ""
}

// GetRepositoryURL implements Manager.
func (m *LocalManager) GetRepositoryURL(codebase, vcsType string) string {
	if !Supported(vcsType) {
		return ""
	}
	return filepath.Join(m.Base, vcsType, codebase)
}

// GetDiffURL implements Manager. The local layout has no diff service.
func (m *LocalManager) GetDiffURL(codebase, oldRevision, newRevision, vcsType string) string {
	return ""
}

// GetCachedBranch implements Manager against the filesystem.
func (m *LocalManager) GetCachedBranch(ctx context.Context, codebase, branchName, vcsType string) (string, bool) {
	types := SupportedVCSes
	if vcsType != "" {
		types = []string{vcsType}
	}
	for _, vcs := range types {
		if _, err := os.Stat(filepath.Join(m.Base, vcs, codebase)); err != nil {
			continue
		}
		if vcs == "bzr" {
			if _, err := os.Stat(filepath.Join(m.Base, "bzr", codebase, branchName)); err != nil {
				continue
			}
		}
		return m.GetBranchURL(codebase, branchName, vcs), true
	}
	return "", false
}

// ListRepositories implements Manager.
func (m *LocalManager) ListRepositories(ctx context.Context, vcsType string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.Base, vcsType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// BaseURL implements Manager.
func (m *LocalManager) BaseURL(vcsType string) string {
	return path.Join(m.Base, vcsType)
}
