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

// Package publish implements the publisher control plane: deciding how
// each successful run reaches its upstream (push or merge proposal),
// enforcing per-maintainer proposal rate limits, driving the isolated
// publish subprocess and reconciling hosted proposals with local state.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/pubsub"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

// Request is the JSON document handed to the publish subprocess on
// stdin.
type Request struct {
	Suite               string          `json:"suite"`
	Package             string          `json:"package"`
	Command             string          `json:"command,omitempty"`
	SubworkerResult     json.RawMessage `json:"subworker_result,omitempty"`
	MainBranchURL       string          `json:"main_branch_url"`
	LocalBranchURL      string          `json:"local_branch_url"`
	Mode                string          `json:"mode"`
	LogID               string          `json:"log_id"`
	AllowCreateProposal bool            `json:"allow_create_proposal"`
	DryRun              bool            `json:"dry_run"`
	RequireBinaryDiff   bool            `json:"require_binary_diff,omitempty"`
}

// Result is the subprocess's stdout document on success.
type Result struct {
	ProposalURL string `json:"proposal_url,omitempty"`
	BranchName  string `json:"branch_name"`
	IsNew       bool   `json:"is_new"`
}

// Failure is a structured publish failure, either reported by the
// subprocess (rc=1) or synthesized for protocol violations.
type Failure struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Description)
}

// Executor runs one publish attempt. The production implementation
// spawns the publish subprocess; tests substitute their own.
type Executor interface {
	Publish(ctx context.Context, req *Request) (*Result, error)
}

// SharedPackagingOrg is the hosting namespace where every maintainer
// has push access; pushing there uninvited is impolite, so attempt-push
// is downgraded to a proposal.
const SharedPackagingOrg = "salsa.debian.org/debian/"

// Publisher decides and executes how runs reach their upstream.
type Publisher struct {
	Store    *state.Store
	Config   config.Getter
	VCS      vcs.Manager
	Executor Executor
	Limiter  RateLimiter
	Log      *logrus.Entry

	// TopicPublish carries a document per executed publish decision;
	// TopicMergeProposal carries proposal status transitions.
	TopicPublish       *pubsub.Topic
	TopicMergeProposal *pubsub.Topic

	// ReviewedOnly restricts automatic publishing to runs approved in
	// review.
	ReviewedOnly bool
	// PushLimit caps direct pushes per PublishPendingNew cycle; zero
	// means no cap.
	PushLimit         int
	RequireBinaryDiff bool
	DryRun            bool
}

// NewPublisher wires a publisher with fresh topics.
func NewPublisher(store *state.Store, cfg config.Getter, vcsManager vcs.Manager, executor Executor, limiter RateLimiter, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if limiter == nil {
		limiter = NonRateLimiter{}
	}
	return &Publisher{
		Store:              store,
		Config:             cfg,
		VCS:                vcsManager,
		Executor:           executor,
		Limiter:            limiter,
		Log:                log,
		TopicPublish:       pubsub.NewTopic("publish"),
		TopicMergeProposal: pubsub.NewTopic("merge-proposal"),
	}
}

// ResolvePolicy returns the branch name and publish mode for a run,
// per the configured policy.
func (p *Publisher) ResolvePolicy(run *state.Run, pkg *state.Package) (string, config.PublishMode) {
	cfg := p.Config()
	branchName := run.Suite
	if suite := cfg.Suite(run.Suite); suite != nil {
		branchName = suite.BranchName
	}
	mode := config.ModeBuildOnly
	if cfg.Policy != nil {
		mode = cfg.Policy.Mode(pkg.Name, run.Suite, pkg.MaintainerEmail)
	}
	return branchName, mode
}

// PublishOneRun takes a candidate through the pre-checks and, when they
// pass, the publish subprocess. The returned row is nil when the
// pre-checks decided there is nothing to execute.
func (p *Publisher) PublishOneRun(ctx context.Context, c *state.PublishCandidate, requestor string) (*state.Publish, error) {
	run, pkg := c.Run, c.Package
	mode := c.Mode
	log := p.Log.WithFields(logrus.Fields{
		"package": run.Package,
		"suite":   run.Suite,
		"run_id":  run.ID,
		"mode":    mode,
	})

	if mode == config.ModeSkip {
		return nil, nil
	}
	if mode == config.ModeBuildOnly {
		return p.recordBuildOnly(c, requestor, "")
	}
	published, err := p.Store.AlreadyPublished(run.Package, c.BranchName, run.Revision, mode)
	if err != nil {
		return nil, err
	}
	if published {
		log.Debug("Already published at this revision.")
		return nil, nil
	}
	if mode == config.ModePropose || mode == config.ModeAttemptPush {
		if !p.Limiter.CheckAllowed(pkg.MaintainerEmail) {
			proposalRateLimited.WithLabelValues(run.Package, pkg.MaintainerEmail).Inc()
			log.WithField("maintainer", pkg.MaintainerEmail).Info("Maintainer is rate limited; degrading to build-only.")
			mode = config.ModeBuildOnly
		}
	}
	if mode == config.ModeAttemptPush && strings.Contains(run.BranchURL, SharedPackagingOrg) {
		// Within the shared packaging namespace everyone can push, but
		// an unsolicited push is still an unsolicited push.
		mode = config.ModePropose
		log = log.WithField("mode", mode)
	}
	if mode == config.ModeBuildOnly {
		return p.recordBuildOnly(c, requestor, fmt.Sprintf("Maintainer %s has too many open proposals.", pkg.MaintainerEmail))
	}

	req := &Request{
		Suite:               run.Suite,
		Package:             run.Package,
		Command:             run.Command,
		SubworkerResult:     run.SubworkerResult,
		MainBranchURL:       run.BranchURL,
		LocalBranchURL:      p.VCS.GetBranchURL(run.Package, c.BranchName, run.VCSType),
		Mode:                string(mode),
		LogID:               run.ID,
		AllowCreateProposal: mode == config.ModePropose || mode == config.ModeAttemptPush,
		DryRun:              p.DryRun,
		RequireBinaryDiff:   p.RequireBinaryDiff,
	}

	row := &state.Publish{
		ID:                 uuid.New().String(),
		RunID:              run.ID,
		Package:            run.Package,
		Suite:              run.Suite,
		BranchName:         c.BranchName,
		MainBranchRevision: run.MainBranchRevision,
		Revision:           run.Revision,
		Mode:               string(mode),
		Requestor:          requestor,
		Timestamp:          time.Now().UTC(),
	}

	result, err := p.Executor.Publish(ctx, req)
	if err != nil {
		failure, ok := err.(*Failure)
		if !ok {
			failure = &Failure{Code: "publisher-invalid-response", Description: err.Error()}
		}
		row.Code = failure.Code
		row.Description = failure.Description
		log.WithField("code", row.Code).Info("Publish attempt failed.")
	} else {
		row.Code = "success"
		row.ProposalURL = result.ProposalURL
		if result.BranchName != "" {
			row.BranchName = result.BranchName
		}
		lastPublishSuccess.SetToCurrentTime()
		log.WithField("proposal_url", result.ProposalURL).Info("Published.")
	}
	publishCount.WithLabelValues(string(mode), row.Code).Inc()

	if !p.DryRun {
		if serr := p.Store.StorePublish(row); serr != nil {
			return row, serr
		}
	}

	if err == nil {
		if result.ProposalURL != "" && result.IsNew {
			p.Limiter.Inc(pkg.MaintainerEmail)
			if serr := p.Store.SetProposalInfo(&state.ProposalInfo{
				URL:      result.ProposalURL,
				Package:  run.Package,
				Status:   state.ProposalOpen,
				Revision: run.Revision,
			}); serr != nil && !p.DryRun {
				return row, serr
			}
		}
		// A direct push lands on the target branch immediately; the
		// run is absorbed.
		if mode == config.ModePush && !p.DryRun {
			if serr := p.Store.SetRunAbsorbed(run.ID, true); serr != nil {
				return row, serr
			}
		}
	}

	p.TopicPublish.Publish(publishEvent(row))
	return row, nil
}

// recordBuildOnly stores the terminal attempt for a run that goes
// nowhere, either because policy says build-only or because the rate
// limiter degraded the mode. The row feeds the idempotence index, so
// this records at most once per revision.
func (p *Publisher) recordBuildOnly(c *state.PublishCandidate, requestor, description string) (*state.Publish, error) {
	run := c.Run
	published, err := p.Store.AlreadyPublished(run.Package, c.BranchName, run.Revision, config.ModeBuildOnly)
	if err != nil {
		return nil, err
	}
	if published {
		return nil, nil
	}
	row := &state.Publish{
		ID:                 uuid.New().String(),
		RunID:              run.ID,
		Package:            run.Package,
		Suite:              run.Suite,
		BranchName:         c.BranchName,
		MainBranchRevision: run.MainBranchRevision,
		Revision:           run.Revision,
		Mode:               string(config.ModeBuildOnly),
		Code:               "success",
		Description:        description,
		Requestor:          requestor,
		Timestamp:          time.Now().UTC(),
	}
	publishCount.WithLabelValues(row.Mode, row.Code).Inc()
	if !p.DryRun {
		if err := p.Store.StorePublish(row); err != nil {
			return row, err
		}
	}
	p.TopicPublish.Publish(publishEvent(row))
	return row, nil
}

// RefreshProposal re-runs the publish subprocess in propose mode to
// bring an existing proposal up to the run's revision. Creating a new
// proposal is forbidden here: the subprocess is told not to, and a
// reported is_new is an invariant violation.
func (p *Publisher) RefreshProposal(ctx context.Context, run *state.Run, pkg *state.Package, branchName, proposalURL string) error {
	log := p.Log.WithFields(logrus.Fields{
		"package":  run.Package,
		"suite":    run.Suite,
		"run_id":   run.ID,
		"proposal": proposalURL,
	})
	req := &Request{
		Suite:               run.Suite,
		Package:             run.Package,
		Command:             run.Command,
		SubworkerResult:     run.SubworkerResult,
		MainBranchURL:       run.BranchURL,
		LocalBranchURL:      p.VCS.GetBranchURL(run.Package, branchName, run.VCSType),
		Mode:                string(config.ModePropose),
		LogID:               run.ID,
		AllowCreateProposal: false,
		DryRun:              p.DryRun,
		RequireBinaryDiff:   p.RequireBinaryDiff,
	}
	row := &state.Publish{
		ID:                 uuid.New().String(),
		RunID:              run.ID,
		Package:            run.Package,
		Suite:              run.Suite,
		BranchName:         branchName,
		MainBranchRevision: run.MainBranchRevision,
		Revision:           run.Revision,
		Mode:               string(config.ModePropose),
		Requestor:          "publisher",
		Timestamp:          time.Now().UTC(),
	}

	result, err := p.Executor.Publish(ctx, req)
	if err != nil {
		failure, ok := err.(*Failure)
		if !ok {
			failure = &Failure{Code: "publisher-invalid-response", Description: err.Error()}
		}
		row.Code = failure.Code
		row.Description = failure.Description
		log.WithField("code", row.Code).Info("Proposal refresh failed.")
	} else {
		row.Code = "success"
		row.ProposalURL = result.ProposalURL
		log.Info("Refreshed proposal.")
	}
	publishCount.WithLabelValues(string(config.ModePropose), row.Code).Inc()
	if !p.DryRun {
		if serr := p.Store.StorePublish(row); serr != nil {
			return serr
		}
	}
	p.TopicPublish.Publish(publishEvent(row))
	if err != nil {
		return nil
	}
	if result.IsNew {
		return fmt.Errorf("refresh of %s created a new proposal %s", proposalURL, result.ProposalURL)
	}
	if !p.DryRun {
		return p.Store.SetProposalInfo(&state.ProposalInfo{
			URL:      proposalURL,
			Package:  run.Package,
			Status:   state.ProposalOpen,
			Revision: run.Revision,
		})
	}
	return nil
}

// PublishPendingNew walks every publish-ready run and executes its
// policy decision. Individual failures are collected, not fatal.
func (p *Publisher) PublishPendingNew(ctx context.Context) error {
	candidates, err := p.Store.IterPublishReady(p.ReviewedOnly, p.ResolvePolicy)
	if err != nil {
		return fmt.Errorf("iterating publish-ready runs: %w", err)
	}
	publishReadyCount.Set(float64(len(candidates)))

	var errs []error
	pushes := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if c.Mode == config.ModePush || c.Mode == config.ModeAttemptPush {
			if p.PushLimit > 0 && pushes >= p.PushLimit {
				p.Log.WithField("package", c.Run.Package).Info("Push limit reached; deferring to next cycle.")
				continue
			}
			pushes++
		}
		if _, err := p.PublishOneRun(ctx, c, "publisher"); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s/%s: %w", c.Run.Package, c.Run.Suite, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// PublishFromResult reacts to a fresh result-topic event: a successful
// run is published immediately per policy, without waiting for the
// periodic tick.
func (p *Publisher) PublishFromResult(ctx context.Context, event map[string]interface{}) error {
	code, _ := event["code"].(string)
	if code != state.ResultCodeSuccess {
		return nil
	}
	pkgName, _ := event["package"].(string)
	suite, _ := event["suite"].(string)
	logID, _ := event["log_id"].(string)
	if pkgName == "" || suite == "" {
		return nil
	}
	run, err := p.Store.GetRun(logID)
	if err != nil {
		return fmt.Errorf("looking up run %s: %w", logID, err)
	}
	if run.Absorbed || run.ReviewStatus == state.ReviewRejected {
		return nil
	}
	if p.ReviewedOnly && run.ReviewStatus != state.ReviewApproved {
		return nil
	}
	pkg, err := p.Store.GetPackage(pkgName)
	if err != nil {
		return fmt.Errorf("looking up package %s: %w", pkgName, err)
	}
	branchName, mode := p.ResolvePolicy(run, pkg)
	_, err = p.PublishOneRun(ctx, &state.PublishCandidate{
		Run:        run,
		Package:    pkg,
		BranchName: branchName,
		Mode:       mode,
	}, "result-stream")
	return err
}

func publishEvent(row *state.Publish) map[string]interface{} {
	return map[string]interface{}{
		"id":                   row.ID,
		"run_id":               row.RunID,
		"package":              row.Package,
		"suite":                row.Suite,
		"branch_name":          row.BranchName,
		"mode":                 row.Mode,
		"code":                 row.Code,
		"description":          row.Description,
		"proposal_url":         row.ProposalURL,
		"main_branch_revision": row.MainBranchRevision,
		"revision":             row.Revision,
	}
}
