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
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodian-sh/custodian/state"
)

// KeepaliveInterval is the watchdog period; a run with no keepalive
// for twice this long is presumed dead.
const KeepaliveInterval = 10 * time.Minute

// ActiveRun is an in-flight assignment. It exists only in memory:
// created at assignment, destroyed on finish, timeout or kill.
type ActiveRun struct {
	LogID      string
	Item       *state.QueueItem
	WorkerName string
	WorkerLink string
	StartTime  time.Time

	// MainBranchURL starts as the queue item's branch URL and is
	// rewritten once the branch has been resolved.
	MainBranchURL string
	VCSType       string

	mu            sync.Mutex
	lastKeepalive time.Time
	killRequested bool
	logFiles      map[string]*bytes.Buffer
	watchdogStop  chan struct{}
}

// NewActiveRun creates the in-memory record for an assignment.
func NewActiveRun(item *state.QueueItem, workerName, workerLink string) *ActiveRun {
	return &ActiveRun{
		LogID:         uuid.New().String(),
		Item:          item,
		WorkerName:    workerName,
		WorkerLink:    workerLink,
		StartTime:     time.Now().UTC(),
		MainBranchURL: item.BranchURL,
		VCSType:       item.VCSType,
		lastKeepalive: time.Now(),
		logFiles:      map[string]*bytes.Buffer{},
	}
}

// Keepalive resets the liveness clock.
func (r *ActiveRun) Keepalive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastKeepalive = time.Now()
}

// KeepaliveAge reports how long ago the last keepalive arrived.
func (r *ActiveRun) KeepaliveAge() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastKeepalive)
}

// AppendLog appends a chunk to the named log buffer, reporting whether
// this was the file's first chunk. Log traffic doubles as a keepalive.
func (r *ActiveRun) AppendLog(name string, chunk []byte) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.logFiles[name]
	if !ok {
		buf = &bytes.Buffer{}
		r.logFiles[name] = buf
		first = true
	}
	buf.Write(chunk)
	r.lastKeepalive = time.Now()
	return first
}

// ListLogFiles returns the names of the buffered log files.
func (r *ActiveRun) ListLogFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.logFiles))
	for name := range r.logFiles {
		names = append(names, name)
	}
	return names
}

// GetLogFile returns a copy of the named log buffer.
func (r *ActiveRun) GetLogFile(name string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.logFiles[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, true
}

// Kill marks the run for termination. The worker learns about it on
// its next keepalive; actually stopping is its problem.
func (r *ActiveRun) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killRequested = true
}

// KillRequested reports whether a kill was posted.
func (r *ActiveRun) KillRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killRequested
}

// StatusJSON is the status document served for an active run.
func (r *ActiveRun) StatusJSON() map[string]interface{} {
	r.mu.Lock()
	last := r.lastKeepalive
	r.mu.Unlock()
	return map[string]interface{}{
		"queue_id":           r.Item.ID,
		"id":                 r.LogID,
		"package":            r.Item.Package,
		"suite":              r.Item.Suite,
		"estimated_duration": r.Item.EstimatedDuration.Seconds(),
		"current_duration":   time.Since(r.StartTime).Seconds(),
		"start_time":         r.StartTime.Format(time.RFC3339),
		"worker":             r.WorkerName,
		"worker_link":        r.WorkerLink,
		"logfilenames":       r.ListLogFiles(),
		"last-keepalive":     last.UTC().Format(time.RFC3339),
	}
}

// startWatchdog begins the liveness check. fire runs once, off the
// watchdog goroutine, when keepalives stop.
func (r *ActiveRun) startWatchdog(interval time.Duration, fire func(*ActiveRun, time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchdogStop != nil {
		return
	}
	stop := make(chan struct{})
	r.watchdogStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				age := r.KeepaliveAge()
				if age > 2*interval {
					fire(r, age)
					return
				}
			}
		}
	}()
}

// stopWatchdog cancels the liveness check, if running.
func (r *ActiveRun) stopWatchdog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchdogStop != nil {
		close(r.watchdogStop)
		r.watchdogStop = nil
	}
}

// Registry is the in-memory set of in-flight assignments. It is the
// authority on assignment uniqueness.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*ActiveRun
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*ActiveRun{}}
}

// Add registers an active run.
func (reg *Registry) Add(run *ActiveRun) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID[run.LogID] = run
}

// Get looks an active run up by log id.
func (reg *Registry) Get(logID string) (*ActiveRun, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.byID[logID]
	return run, ok
}

// Remove drops an active run. Idempotent.
func (reg *Registry) Remove(logID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.byID, logID)
}

// Len reports the number of in-flight runs.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byID)
}

// IsAssigned reports whether any in-flight run holds the queue id.
func (reg *Registry) IsAssigned(queueID uint64) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, run := range reg.byID {
		if run.Item.ID == queueID {
			return true
		}
	}
	return false
}

// All snapshots the in-flight runs.
func (reg *Registry) All() []*ActiveRun {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*ActiveRun, 0, len(reg.byID))
	for _, run := range reg.byID {
		out = append(out, run)
	}
	return out
}
