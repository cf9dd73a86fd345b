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
	"strings"
	"sync"
)

// Fake is an in-memory hoster for tests and dry runs.
type Fake struct {
	// HostPrefix is the URL prefix this fake claims, e.g.
	// "https://forge.example/".
	HostPrefix string
	// FakeName defaults to "fake".
	FakeName string

	mu sync.Mutex
	// proposedBranches maps mainBranchURL -> branch name -> branch.
	proposedBranches map[string]map[string]*ProposedBranch
	proposals        map[string]*Proposal
	closeCalls       map[string]int
}

var _ Hoster = &Fake{}

// Name implements Hoster.
func (f *Fake) Name() string {
	if f.FakeName == "" {
		return "fake"
	}
	return f.FakeName
}

// HostsURL implements Hoster.
func (f *Fake) HostsURL(url string) bool {
	return strings.HasPrefix(url, f.HostPrefix)
}

// AddProposedBranch registers a derived branch for discovery.
func (f *Fake) AddProposedBranch(mainBranchURL, name, branchURL, revision string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposedBranches == nil {
		f.proposedBranches = map[string]map[string]*ProposedBranch{}
	}
	if f.proposedBranches[mainBranchURL] == nil {
		f.proposedBranches[mainBranchURL] = map[string]*ProposedBranch{}
	}
	f.proposedBranches[mainBranchURL][name] = &ProposedBranch{URL: branchURL, Name: name, Revision: revision}
}

// AddProposal registers a proposal.
func (f *Fake) AddProposal(p *Proposal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposals == nil {
		f.proposals = map[string]*Proposal{}
	}
	f.proposals[p.URL] = p
}

// FindExistingProposedBranch implements Hoster, honoring the caller's
// candidate order.
func (f *Fake) FindExistingProposedBranch(ctx context.Context, mainBranchURL string, branchNames []string) (*ProposedBranch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byName := f.proposedBranches[mainBranchURL]
	for _, name := range branchNames {
		if pb, ok := byName[name]; ok {
			cp := *pb
			return &cp, nil
		}
	}
	return nil, nil
}

// IterProposals implements Hoster.
func (f *Fake) IterProposals(ctx context.Context) ([]*Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Proposal
	for _, p := range f.proposals {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// GetProposal implements Hoster.
func (f *Fake) GetProposal(ctx context.Context, url string) (*Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[url]
	if !ok {
		return nil, fmt.Errorf("no such proposal: %s", url)
	}
	cp := *p
	return &cp, nil
}

// CloseProposal implements Hoster.
func (f *Fake) CloseProposal(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[url]
	if !ok {
		return fmt.Errorf("no such proposal: %s", url)
	}
	p.Status = StatusClosed
	if f.closeCalls == nil {
		f.closeCalls = map[string]int{}
	}
	f.closeCalls[url]++
	return nil
}

// CloseCalls reports how often CloseProposal ran for the URL.
func (f *Fake) CloseCalls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls[url]
}
