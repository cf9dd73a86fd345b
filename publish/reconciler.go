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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/hoster"
	"github.com/custodian-sh/custodian/state"
)

// Reconciler keeps the local proposal index, the rate limiter's counts
// and the hosted reality in agreement. It runs periodically; each sweep
// enumerates every proposal the fleet's account owns.
type Reconciler struct {
	Store     *state.Store
	Config    config.Getter
	Hosters   []hoster.Hoster
	Publisher *Publisher
	Limiter   RateLimiter
	Log       *logrus.Entry
}

// Reconcile performs one sweep.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if r.Log == nil {
		r.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	proposals := make([][]*hoster.Proposal, len(r.Hosters))
	g, gctx := errgroup.WithContext(ctx)
	for i := range r.Hosters {
		i, h := i, r.Hosters[i]
		g.Go(func() error {
			ps, err := h.IterProposals(gctx)
			if err != nil {
				return fmt.Errorf("listing proposals on %s: %w", h.Name(), err)
			}
			proposals[i] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	open := map[string]int{}
	merged := map[string]int{}
	statusCounts := map[string]int{}
	var errs []error
	for i, h := range r.Hosters {
		var openOnHoster int
		for _, prop := range proposals[i] {
			statusCounts[prop.Status]++
			if prop.Status == hoster.StatusOpen {
				openOnHoster++
			}
			if err := r.reconcileProposal(ctx, h, prop, open, merged); err != nil {
				errs = append(errs, fmt.Errorf("reconciling %s: %w", prop.URL, err))
			}
		}
		openProposalCount.WithLabelValues(h.Name()).Set(float64(openOnHoster))
	}
	for status, n := range statusCounts {
		mergeProposalCount.WithLabelValues(status).Set(float64(n))
	}
	if r.Limiter != nil {
		r.Limiter.SetMpsPerMaintainer(open, merged)
	}
	return utilerrors.NewAggregate(errs)
}

func (r *Reconciler) reconcileProposal(ctx context.Context, h hoster.Hoster, prop *hoster.Proposal, open, merged map[string]int) error {
	log := r.Log.WithField("proposal", prop.URL)
	cfg := r.Config()

	pkgName := ""
	if info, err := r.Store.GetProposalInfo(prop.URL); err == nil {
		pkgName = info.Package
	}
	if pkgName == "" {
		pkgName = hoster.CodebaseFromBranchURL(prop.TargetBranchURL)
	}
	maintainer := ""
	pkg, err := r.Store.GetPackage(pkgName)
	if err == nil {
		maintainer = pkg.MaintainerEmail
	}

	status := state.ProposalOpen
	switch prop.Status {
	case hoster.StatusMerged:
		status = state.ProposalMerged
	case hoster.StatusClosed:
		status = state.ProposalClosed
	}
	if err := r.noteTransition(prop, pkgName, status); err != nil {
		return err
	}

	switch prop.Status {
	case hoster.StatusMerged:
		merged[maintainer]++
		r.absorbMergedProposal(cfg, pkgName, prop, log)
		return nil
	case hoster.StatusClosed:
		return nil
	}
	open[maintainer]++

	suite := suiteForBranchName(cfg, prop.SourceBranchName)
	if suite == nil {
		log.WithField("branch", prop.SourceBranchName).Debug("Proposal branch matches no suite; leaving alone.")
		return nil
	}

	lastRun, err := r.Store.GetLastUnabsorbedRun(pkgName, suite.Name)
	if errors.Is(err, state.ErrNotFound) {
		// Everything the proposal carried has reached the target some
		// other way; the proposal is noise now.
		log.Info("Change absorbed upstream; closing proposal.")
		if cerr := h.CloseProposal(ctx, prop.URL); cerr != nil {
			return fmt.Errorf("closing proposal: %w", cerr)
		}
		open[maintainer]--
		return r.noteTransition(prop, pkgName, state.ProposalClosed)
	}
	if err != nil {
		return err
	}
	if lastRun.ResultCode != state.ResultCodeSuccess && lastRun.ResultCode != "nothing-to-do" {
		// The branch regressed since the proposal was made; a refresh
		// would only make the proposal worse.
		return nil
	}
	if lastRun.Revision != "" && lastRun.Revision != prop.Revision {
		log.WithFields(logrus.Fields{
			"proposal_revision": prop.Revision,
			"run_revision":      lastRun.Revision,
		}).Info("Proposal is behind the latest run; refreshing.")
		if pkg == nil {
			pkg = &state.Package{Name: pkgName}
		}
		return r.Publisher.RefreshProposal(ctx, lastRun, pkg, suite.BranchName, prop.URL)
	}
	if prop.Conflicted {
		log.Info("Proposal conflicts with its target; scheduling a refresh run.")
		_, err := r.Store.AddToQueue(pkgName, lastRun.Command, suite.Name, -2, "update-existing-mp", "", 0, true, "publisher")
		return err
	}
	return nil
}

// noteTransition records a status change in the proposal index and
// announces it; an unchanged status is a no-op.
func (r *Reconciler) noteTransition(prop *hoster.Proposal, pkgName, status string) error {
	prev, err := r.Store.GetProposalInfo(prop.URL)
	if err == nil && prev.Status == status && prev.Revision == prop.Revision {
		return nil
	}
	info := &state.ProposalInfo{
		URL:      prop.URL,
		Package:  pkgName,
		Status:   status,
		Revision: prop.Revision,
		MergedBy: prop.MergedBy,
	}
	if err := r.Store.SetProposalInfo(info); err != nil {
		return err
	}
	if r.Publisher != nil && r.Publisher.TopicMergeProposal != nil {
		r.Publisher.TopicMergeProposal.Publish(map[string]interface{}{
			"url":       info.URL,
			"package":   info.Package,
			"status":    info.Status,
			"revision":  info.Revision,
			"merged_by": info.MergedBy,
		})
	}
	return nil
}

// absorbMergedProposal marks the run behind a merged proposal absorbed.
// The proposal only knows its head revision; the owning suite is found
// by probing the success index.
func (r *Reconciler) absorbMergedProposal(cfg *config.Config, pkgName string, prop *hoster.Proposal, log *logrus.Entry) {
	if prop.Revision == "" {
		return
	}
	for i := range cfg.Suites {
		run, err := r.Store.GetSuccessRunByRevision(pkgName, cfg.Suites[i].Name, prop.Revision)
		if err != nil {
			continue
		}
		if run.Absorbed {
			return
		}
		if err := r.Store.SetRunAbsorbed(run.ID, true); err != nil {
			log.WithError(err).Error("Failed to mark run absorbed.")
		}
		return
	}
}

// suiteForBranchName maps a proposal's source branch back onto the
// suite that published it, honoring the derived-branch namespaces.
func suiteForBranchName(cfg *config.Config, branchName string) *config.Suite {
	for i := range cfg.Suites {
		bn := cfg.Suites[i].BranchName
		if branchName == bn || branchName == bn+"/main" || strings.HasPrefix(branchName, bn+"/main/") {
			return &cfg.Suites[i]
		}
	}
	return nil
}
