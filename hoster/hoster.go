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

// Package hoster abstracts remote code-hosting platforms down to the
// capabilities the control plane needs: discovering derived branches,
// enumerating merge proposals and closing them. Proposal creation
// happens in the publish subprocess, not here.
package hoster

import (
	"context"
	"path"
	"strings"
)

// Proposal statuses as reported by a hoster.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusMerged = "merged"
)

// Proposal is one hosted request-to-merge.
type Proposal struct {
	URL string
	// Status is open, closed or merged.
	Status string
	// Revision is the current head of the source branch.
	Revision string
	// MergedBy is who merged it, when merged.
	MergedBy string
	// SourceBranchName is the derived branch proposed for merging.
	SourceBranchName string
	// TargetBranchURL is the main branch the proposal targets.
	TargetBranchURL string
	// Conflicted is set when the hoster reports the proposal can no
	// longer merge cleanly.
	Conflicted bool
}

// ProposedBranch is a derived branch discovered on a hoster.
type ProposedBranch struct {
	URL  string
	Name string
	// Revision is the branch head, when the hoster reports it.
	Revision string
}

// Hoster is the minimal capability set over one hosting platform.
type Hoster interface {
	// Name identifies the hoster in logs and metrics.
	Name() string
	// HostsURL reports whether the branch URL lives on this hoster.
	HostsURL(url string) bool
	// FindExistingProposedBranch returns the first existing proposed
	// branch for mainBranchURL among branchNames, trying the names
	// strictly in the given order. nil when none exists.
	FindExistingProposedBranch(ctx context.Context, mainBranchURL string, branchNames []string) (*ProposedBranch, error)
	// IterProposals enumerates every proposal created by the fleet's
	// account on this hoster.
	IterProposals(ctx context.Context) ([]*Proposal, error)
	// GetProposal fetches the current state of one proposal.
	GetProposal(ctx context.Context, url string) (*Proposal, error)
	// CloseProposal closes an open proposal.
	CloseProposal(ctx context.Context, url string) error
}

// CodebaseFromBranchURL derives the codebase name from a branch URL:
// the last path segment, with any trailing ".git" stripped.
func CodebaseFromBranchURL(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	return path.Base(trimmed)
}

// FindExistingProposedBranch asks each hoster in turn, stopping at the
// first that recognizes the main branch URL.
func FindExistingProposedBranch(ctx context.Context, hosters []Hoster, mainBranchURL string, branchNames []string) (*ProposedBranch, error) {
	for _, h := range hosters {
		if !h.HostsURL(mainBranchURL) {
			continue
		}
		return h.FindExistingProposedBranch(ctx, mainBranchURL, branchNames)
	}
	return nil, nil
}
