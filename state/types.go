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

package state

import (
	"encoding/json"
	"time"
)

// ResultCodeSuccess is the distinguished result code; every other value
// is a failure class.
const ResultCodeSuccess = "success"

// Review statuses attached to runs.
const (
	ReviewUnreviewed = "unreviewed"
	ReviewApproved   = "approved"
	ReviewRejected   = "rejected"
)

// Package is one source package under the fleet's care.
type Package struct {
	Name            string   `json:"name"`
	MaintainerEmail string   `json:"maintainer_email,omitempty"`
	UploaderEmails  []string `json:"uploader_emails,omitempty"`
	BranchURL       string   `json:"branch_url,omitempty"`
	VCSType         string   `json:"vcs_type,omitempty"`
	Subpath         string   `json:"subpath,omitempty"`
	Removed         bool     `json:"removed,omitempty"`
}

// QueueItem is one unit of schedulable work.
type QueueItem struct {
	ID                uint64        `json:"id"`
	Package           string        `json:"package"`
	Suite             string        `json:"suite"`
	Command           string        `json:"command,omitempty"`
	Context           string        `json:"context,omitempty"`
	BranchURL         string        `json:"branch_url,omitempty"`
	VCSType           string        `json:"vcs_type,omitempty"`
	Subpath           string        `json:"subpath,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Bucket            string        `json:"bucket,omitempty"`
	Offset            int64         `json:"offset,omitempty"`
	Refresh           bool          `json:"refresh,omitempty"`
	Requestor         string        `json:"requestor,omitempty"`
}

// ResultBranch is a branch produced by a run, by role.
type ResultBranch struct {
	Role         string `json:"role"`
	Name         string `json:"name"`
	BaseRevision string `json:"base_revision,omitempty"`
	Revision     string `json:"revision,omitempty"`
}

// ResultTag is a tag produced by a run.
type ResultTag struct {
	Name     string `json:"name"`
	Revision string `json:"revision,omitempty"`
}

// Run is the immutable record of one completed attempt.
type Run struct {
	ID                 string          `json:"id"`
	Package            string          `json:"package"`
	Suite              string          `json:"suite"`
	Command            string          `json:"command,omitempty"`
	Description        string          `json:"description,omitempty"`
	ResultCode         string          `json:"result_code"`
	MainBranchRevision string          `json:"main_branch_revision,omitempty"`
	Revision           string          `json:"revision,omitempty"`
	Context            string          `json:"context,omitempty"`
	InstigatedContext  string          `json:"instigated_context,omitempty"`
	SubworkerResult    json.RawMessage `json:"subworker_result,omitempty"`
	Value              int64           `json:"value,omitempty"`
	StartTime          time.Time       `json:"start_time"`
	FinishTime         time.Time       `json:"finish_time"`
	Logfilenames       []string        `json:"logfilenames,omitempty"`
	WorkerName         string          `json:"worker_name,omitempty"`
	WorkerLink         string          `json:"worker_link,omitempty"`
	VCSType            string          `json:"vcs_type,omitempty"`
	BranchURL          string          `json:"branch_url,omitempty"`
	FailureDetails     json.RawMessage `json:"failure_details,omitempty"`
	ResultTags         []ResultTag     `json:"result_tags,omitempty"`
	ResultBranches     []ResultBranch  `json:"result_branches,omitempty"`
	ReviewStatus       string          `json:"review_status,omitempty"`
	// Absorbed is set once the run's change has reached the target
	// branch, by push or by a merged proposal.
	Absorbed bool `json:"absorbed,omitempty"`
}

// Duration is the wall-clock time the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishTime.Sub(r.StartTime)
}

// MainResultBranch returns the run's branch with the main role, or nil.
func (r *Run) MainResultBranch() *ResultBranch {
	for i := range r.ResultBranches {
		if r.ResultBranches[i].Role == "main" {
			return &r.ResultBranches[i]
		}
	}
	return nil
}

// Publish is one recorded publish attempt. Append-only.
type Publish struct {
	ID                 string    `json:"id"`
	RunID              string    `json:"run_id,omitempty"`
	Package            string    `json:"package"`
	Suite              string    `json:"suite,omitempty"`
	BranchName         string    `json:"branch_name,omitempty"`
	MainBranchRevision string    `json:"main_branch_revision,omitempty"`
	Revision           string    `json:"revision,omitempty"`
	Mode               string    `json:"mode"`
	Code               string    `json:"code"`
	Description        string    `json:"description,omitempty"`
	ProposalURL        string    `json:"proposal_url,omitempty"`
	Requestor          string    `json:"requestor,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Proposal statuses tracked in the index.
const (
	ProposalOpen      = "open"
	ProposalClosed    = "closed"
	ProposalMerged    = "merged"
	ProposalAbandoned = "abandoned"
	ProposalRejected  = "rejected"
	ProposalApplied   = "applied"
)

// ProposalInfo is the last observed state of a hosted merge proposal.
type ProposalInfo struct {
	URL      string `json:"url"`
	Package  string `json:"package,omitempty"`
	Status   string `json:"status"`
	Revision string `json:"revision,omitempty"`
	MergedBy string `json:"merged_by,omitempty"`
}

// DebianBuild is the side record of a successful debian build.
type DebianBuild struct {
	RunID          string          `json:"run_id"`
	Source         string          `json:"source"`
	Version        string          `json:"version"`
	Distribution   string          `json:"distribution"`
	LintianResult  json.RawMessage `json:"lintian_result,omitempty"`
	BinaryPackages []string        `json:"binary_packages,omitempty"`
}
