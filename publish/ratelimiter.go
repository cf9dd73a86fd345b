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
	"sync"
)

// RateLimiter bounds how many open merge proposals the fleet keeps per
// maintainer. The reconciler installs fresh counts after every sweep;
// Inc accounts for proposals opened between sweeps.
type RateLimiter interface {
	SetMpsPerMaintainer(open, merged map[string]int)
	CheckAllowed(email string) bool
	Inc(email string)
}

// MaintainerStats is one maintainer's standing with the limiter.
type MaintainerStats struct {
	Open    int  `json:"open"`
	Merged  int  `json:"merged"`
	Allowed bool `json:"allowed"`
}

// StatsProvider is implemented by limiters that can report their
// per-maintainer standing, for the rate-limits endpoint.
type StatsProvider interface {
	Stats() map[string]MaintainerStats
}

// NonRateLimiter never denies.
type NonRateLimiter struct{}

func (NonRateLimiter) SetMpsPerMaintainer(open, merged map[string]int) {}
func (NonRateLimiter) CheckAllowed(email string) bool                  { return true }
func (NonRateLimiter) Inc(email string)                                {}

// FixedRateLimiter denies a maintainer once their open proposal count
// reaches the cap. Without loaded counts it allows; the first sweep
// corrects any overshoot.
type FixedRateLimiter struct {
	Max int

	mu     sync.Mutex
	open   map[string]int
	merged map[string]int
}

// NewFixedRateLimiter creates a limiter with the given cap.
func NewFixedRateLimiter(max int) *FixedRateLimiter {
	return &FixedRateLimiter{Max: max}
}

// SetMpsPerMaintainer implements RateLimiter.
func (l *FixedRateLimiter) SetMpsPerMaintainer(open, merged map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = copyCounts(open)
	l.merged = copyCounts(merged)
}

// CheckAllowed implements RateLimiter.
func (l *FixedRateLimiter) CheckAllowed(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		return true
	}
	return l.open[email] < l.Max
}

// Inc implements RateLimiter.
func (l *FixedRateLimiter) Inc(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		l.open = map[string]int{}
	}
	l.open[email]++
}

// Stats implements StatsProvider.
func (l *FixedRateLimiter) Stats() map[string]MaintainerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]MaintainerStats{}
	for email, open := range l.open {
		out[email] = MaintainerStats{
			Open:    open,
			Merged:  l.merged[email],
			Allowed: open < l.Max,
		}
	}
	return out
}

// SlowStartRateLimiter keeps a maintainer's open proposal count at most
// one ahead of their merged count, under an absolute cap. A maintainer
// who never merges anything accumulates at most one open proposal.
// Until counts are loaded, everything is denied: starting slow beats
// flooding a maintainer because the sweep has not run yet.
type SlowStartRateLimiter struct {
	Max int

	mu     sync.Mutex
	loaded bool
	open   map[string]int
	merged map[string]int
}

// NewSlowStartRateLimiter creates a slow-start limiter with the given
// absolute cap.
func NewSlowStartRateLimiter(max int) *SlowStartRateLimiter {
	return &SlowStartRateLimiter{Max: max}
}

// SetMpsPerMaintainer implements RateLimiter.
func (l *SlowStartRateLimiter) SetMpsPerMaintainer(open, merged map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = true
	l.open = copyCounts(open)
	l.merged = copyCounts(merged)
}

// CheckAllowed implements RateLimiter.
func (l *SlowStartRateLimiter) CheckAllowed(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowedLocked(email)
}

func (l *SlowStartRateLimiter) allowedLocked(email string) bool {
	if !l.loaded {
		return false
	}
	open := l.open[email]
	if l.Max > 0 && open >= l.Max {
		return false
	}
	return open <= l.merged[email]+1
}

// Inc implements RateLimiter.
func (l *SlowStartRateLimiter) Inc(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		l.open = map[string]int{}
	}
	l.open[email]++
}

// Stats implements StatsProvider.
func (l *SlowStartRateLimiter) Stats() map[string]MaintainerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]MaintainerStats{}
	for email, open := range l.open {
		out[email] = MaintainerStats{
			Open:    open,
			Merged:  l.merged[email],
			Allowed: l.allowedLocked(email),
		}
	}
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
