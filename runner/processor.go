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

// Package runner implements the queue control plane: admission of
// queued work, assignment to remote workers over HTTP, liveness
// tracking and the transactional absorption of results.
package runner

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/pubsub"
	"github.com/custodian-sh/custodian/schedule"
	"github.com/custodian-sh/custodian/state"
	"github.com/custodian-sh/custodian/vcs"
)

// Processor owns the queue: it admits items, registers active runs
// and persists results. Assignment is linearized by assignMu so two
// concurrent /assign requests can never pick the same queue item.
type Processor struct {
	Store     *state.Store
	Config    config.Getter
	Active    *Registry
	Scheduler *schedule.Scheduler
	Log       *logrus.Entry

	// TopicQueue carries status documents, repeating the latest to new
	// subscribers; TopicResult carries finished-run events.
	TopicQueue  *pubsub.Topic
	TopicResult *pubsub.Topic

	DryRun bool

	assignMu sync.Mutex

	backoffMu sync.Mutex
	// backoff maps host -> deadline before which no queue item on
	// that host is assignable.
	backoff map[string]time.Time
}

// NewProcessor creates a queue processor.
func NewProcessor(store *state.Store, cfg config.Getter, scheduler *schedule.Scheduler, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Processor{
		Store:       store,
		Config:      cfg,
		Active:      NewRegistry(),
		Scheduler:   scheduler,
		Log:         log,
		TopicQueue:  pubsub.NewRepeatLastTopic("queue"),
		TopicResult: pubsub.NewTopic("result"),
		backoff:     map[string]time.Time{},
	}
}

// StatusJSON is the document served on /status and the queue topic.
func (p *Processor) StatusJSON() map[string]interface{} {
	var processing []map[string]interface{}
	for _, run := range p.Active.All() {
		processing = append(processing, run.StatusJSON())
	}
	return map[string]interface{}{
		"processing":   processing,
		"rate_limited": p.backoffSnapshot(),
	}
}

// RateLimited records that host asked us to back off.
func (p *Processor) RateLimited(host string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = vcs.DefaultRetryAfter
	}
	rateLimitedCount.WithLabelValues(host).Inc()
	p.backoffMu.Lock()
	defer p.backoffMu.Unlock()
	p.backoff[host] = time.Now().Add(retryAfter)
}

// isRateLimited reports whether the branch URL's host is backing off.
func (p *Processor) isRateLimited(branchURL string) bool {
	u, err := url.Parse(branchURL)
	if err != nil {
		return false
	}
	p.backoffMu.Lock()
	defer p.backoffMu.Unlock()
	until, ok := p.backoff[u.Hostname()]
	return ok && until.After(time.Now())
}

func (p *Processor) backoffSnapshot() map[string]string {
	p.backoffMu.Lock()
	defer p.backoffMu.Unlock()
	out := map[string]string{}
	now := time.Now()
	for host, until := range p.backoff {
		if until.After(now) {
			out[host] = until.UTC().Format(time.RFC3339)
		}
	}
	return out
}

// NextQueueItem walks the queue in priority order and returns the
// first item that is neither assigned nor on a rate-limited host. The
// scan is bounded at len(active)+3 entries: deep scans would defeat
// priority ordering just to dodge a backoff that will expire anyway.
func (p *Processor) NextQueueItem() (*state.QueueItem, error) {
	limit := p.Active.Len() + 3
	items, err := p.Store.IterQueue(limit)
	if err != nil {
		return nil, fmt.Errorf("iterating queue: %w", err)
	}
	for _, item := range items {
		if p.Active.IsAssigned(item.ID) {
			continue
		}
		if p.isRateLimited(item.BranchURL) {
			continue
		}
		return item, nil
	}
	return nil, nil
}

// RegisterRun records the active run and announces the new queue
// state.
func (p *Processor) RegisterRun(run *ActiveRun) {
	p.Active.Add(run)
	activeRunCount.Inc()
	packagesProcessedCount.Inc()
	p.TopicQueue.Publish(p.StatusJSON())
}

// FinishRun persists the run (with its optional build record) and
// deletes the queue row in one transaction, then publishes the result
// event, drops the active entry and triggers follow-up scheduling.
// A run id that was already persisted (the watchdog won the race) is
// reported with stored=false; the queue row is consumed either way.
func (p *Processor) FinishRun(item *state.QueueItem, run *state.Run, build *state.DebianBuild, followups [][]schedule.Action) (stored bool, err error) {
	activeRunCount.Dec()
	runResultCount.WithLabelValues(item.Package, item.Suite, run.ResultCode).Inc()
	buildDuration.WithLabelValues(item.Package, item.Suite).Observe(run.Duration().Seconds())

	if p.DryRun {
		stored = true
	} else {
		stored, err = p.Store.StoreRun(run, build, item.ID)
		if err != nil {
			return false, fmt.Errorf("storing run %s: %w", run.ID, err)
		}
	}

	p.TopicResult.Publish(resultEvent(run, build))
	if active, ok := p.Active.Get(run.ID); ok {
		active.stopWatchdog()
		p.Active.Remove(run.ID)
	}
	p.TopicQueue.Publish(p.StatusJSON())
	if run.ResultCode == state.ResultCodeSuccess {
		lastSuccessGauge.SetToCurrentTime()
	}

	if stored && p.Scheduler != nil {
		// Follow-up failures are logged by the scheduler, never
		// surfaced to the finish path.
		p.Scheduler.RunFinished(run, build, followups)
	}
	return stored, nil
}

// resultEvent is the document published on the result topic.
func resultEvent(run *state.Run, build *state.DebianBuild) map[string]interface{} {
	event := map[string]interface{}{
		"log_id":               run.ID,
		"package":              run.Package,
		"suite":                run.Suite,
		"code":                 run.ResultCode,
		"description":          run.Description,
		"revision":             run.Revision,
		"main_branch_revision": run.MainBranchRevision,
		"branch_url":           run.BranchURL,
		"logfilenames":         run.Logfilenames,
	}
	if build != nil {
		event["target"] = map[string]interface{}{
			"name": "debian",
			"details": map[string]interface{}{
				"build_distribution": build.Distribution,
				"build_version":      build.Version,
			},
		}
	}
	return event
}

// startWatchdog arms the liveness check for an active run. When
// keepalives stop, a worker-timeout run is synthesized and fed to the
// regular finish path.
func (p *Processor) startWatchdog(run *ActiveRun) {
	p.startWatchdogInterval(run, KeepaliveInterval)
}

func (p *Processor) startWatchdogInterval(run *ActiveRun, interval time.Duration) {
	run.startWatchdog(interval, func(r *ActiveRun, age time.Duration) {
		p.Log.WithFields(logrus.Fields{
			"worker": r.WorkerName,
			"run_id": r.LogID,
			"age":    age,
		}).Warning("No keepalives received, aborting run.")
		timeoutRun := &state.Run{
			ID:          r.LogID,
			Package:     r.Item.Package,
			Suite:       r.Item.Suite,
			Command:     r.Item.Command,
			Description: fmt.Sprintf("No keepalives received in %s.", age),
			ResultCode:  "worker-timeout",
			StartTime:   r.StartTime,
			FinishTime:  time.Now().UTC(),
			WorkerName:  r.WorkerName,
			WorkerLink:  r.WorkerLink,
			VCSType:     r.VCSType,
			BranchURL:   r.MainBranchURL,
		}
		if _, err := p.FinishRun(r.Item, timeoutRun, nil, nil); err != nil {
			p.Log.WithError(err).WithField("run_id", r.LogID).Error("Failed to store worker-timeout run.")
		}
	})
}

// ReleaseRun unregisters an active run without consuming its queue
// item. Used when the assignment itself is aborted, e.g. by a
// rate-limiting host: the item stays queued for after the backoff.
func (p *Processor) ReleaseRun(run *ActiveRun) {
	run.stopWatchdog()
	p.Active.Remove(run.LogID)
	activeRunCount.Dec()
	p.TopicQueue.Publish(p.StatusJSON())
}

// AbortRun finishes an active run with a synthesized failure.
func (p *Processor) AbortRun(run *ActiveRun, code, description string) error {
	failed := &state.Run{
		ID:          run.LogID,
		Package:     run.Item.Package,
		Suite:       run.Item.Suite,
		Command:     run.Item.Command,
		Description: description,
		ResultCode:  code,
		StartTime:   run.StartTime,
		FinishTime:  time.Now().UTC(),
		WorkerName:  run.WorkerName,
		WorkerLink:  run.WorkerLink,
		VCSType:     run.VCSType,
		BranchURL:   run.MainBranchURL,
	}
	_, err := p.FinishRun(run.Item, failed, nil, nil)
	return err
}
