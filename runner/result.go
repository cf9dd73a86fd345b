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
	"encoding/json"
	"fmt"
	"time"

	"github.com/custodian-sh/custodian/builder"
	"github.com/custodian-sh/custodian/schedule"
	"github.com/custodian-sh/custodian/state"
)

// WorkerResult is the result.json document a worker posts on finish.
// An absent code means the worker considers the run a success.
type WorkerResult struct {
	Code               string              `json:"code,omitempty"`
	Description        string              `json:"description,omitempty"`
	Context            string              `json:"context,omitempty"`
	Subworker          json.RawMessage     `json:"subworker,omitempty"`
	MainBranchRevision string              `json:"main_branch_revision,omitempty"`
	Revision           string              `json:"revision,omitempty"`
	Value              int64               `json:"value,omitempty"`
	Branches           [][]string          `json:"branches,omitempty"`
	Tags               [][]string          `json:"tags,omitempty"`
	Remotes            json.RawMessage     `json:"remotes,omitempty"`
	Details            json.RawMessage     `json:"details,omitempty"`
	Target             *TargetResult       `json:"target,omitempty"`
	StartTime          time.Time           `json:"start_time"`
	FinishTime         time.Time           `json:"finish_time"`
	QueueID            uint64              `json:"queue_id"`
	WorkerName         string              `json:"worker_name,omitempty"`
	FollowupActions    [][]schedule.Action `json:"followup_actions,omitempty"`
}

// TargetResult is the build side of a worker result; Name is the
// builder kind discriminator.
type TargetResult struct {
	Name    string          `json:"name"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ResultCode normalizes the worker's verdict.
func (wr *WorkerResult) ResultCode() string {
	if wr.Code == "" {
		return state.ResultCodeSuccess
	}
	return wr.Code
}

// BuildResult parses the target side, when present.
func (wr *WorkerResult) BuildResult() (*builder.Result, error) {
	if wr.Target == nil {
		return nil, nil
	}
	return builder.ResultFromJSON(wr.Target.Name, wr.Target.Details)
}

// resultBranches converts the wire [role, name, base, revision]
// quadruples into rows.
func resultBranches(branches [][]string) ([]state.ResultBranch, error) {
	var out []state.ResultBranch
	for _, b := range branches {
		if len(b) != 4 {
			return nil, fmt.Errorf("malformed result branch %v", b)
		}
		out = append(out, state.ResultBranch{
			Role: b[0], Name: b[1], BaseRevision: b[2], Revision: b[3],
		})
	}
	return out, nil
}

// resultTags converts the wire [function, name, revision] triples.
func resultTags(tags [][]string) ([]state.ResultTag, error) {
	var out []state.ResultTag
	for _, tag := range tags {
		if len(tag) != 3 {
			return nil, fmt.Errorf("malformed result tag %v", tag)
		}
		out = append(out, state.ResultTag{Name: tag[1], Revision: tag[2]})
	}
	return out, nil
}

// runFromWorkerResult assembles the persistable run for a completed
// attempt.
func runFromWorkerResult(active *ActiveRun, item *state.QueueItem, wr *WorkerResult, logfilenames []string) (*state.Run, error) {
	branches, err := resultBranches(wr.Branches)
	if err != nil {
		return nil, err
	}
	tags, err := resultTags(wr.Tags)
	if err != nil {
		return nil, err
	}
	run := &state.Run{
		ID:                 active.LogID,
		Package:            item.Package,
		Suite:              item.Suite,
		Command:            item.Command,
		Description:        wr.Description,
		ResultCode:         wr.ResultCode(),
		MainBranchRevision: wr.MainBranchRevision,
		Revision:           wr.Revision,
		Context:            wr.Context,
		InstigatedContext:  item.Context,
		SubworkerResult:    wr.Subworker,
		Value:              wr.Value,
		StartTime:          wr.StartTime,
		FinishTime:         wr.FinishTime,
		Logfilenames:       logfilenames,
		WorkerName:         active.WorkerName,
		WorkerLink:         active.WorkerLink,
		VCSType:            item.VCSType,
		BranchURL:          active.MainBranchURL,
		FailureDetails:     wr.Details,
		ResultTags:         tags,
		ResultBranches:     branches,
	}
	if run.WorkerName == "" {
		run.WorkerName = wr.WorkerName
	}
	if run.StartTime.IsZero() {
		run.StartTime = active.StartTime
	}
	if run.FinishTime.IsZero() {
		run.FinishTime = time.Now().UTC()
	}
	return run, nil
}
