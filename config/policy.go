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

package config

import (
	"fmt"
	"io/ioutil"
	"regexp"

	"sigs.k8s.io/yaml"
)

// PublishMode says how a completed run reaches its upstream.
type PublishMode string

const (
	// ModeSkip does nothing.
	ModeSkip PublishMode = "skip"
	// ModeBuildOnly does nothing but records the decision.
	ModeBuildOnly PublishMode = "build-only"
	// ModePush pushes directly to the main branch.
	ModePush PublishMode = "push"
	// ModePushDerived pushes to a derived namespace, never proposing.
	ModePushDerived PublishMode = "push-derived"
	// ModePropose opens a merge proposal.
	ModePropose PublishMode = "propose"
	// ModeAttemptPush tries a push and falls back to a proposal when
	// pushing is denied.
	ModeAttemptPush PublishMode = "attempt-push"
)

func validMode(m PublishMode) bool {
	switch m {
	case ModeSkip, ModeBuildOnly, ModePush, ModePushDerived, ModePropose, ModeAttemptPush:
		return true
	}
	return false
}

// Policy decides the publish mode for a (package, suite, maintainer)
// tuple. Rules apply in order; the last match wins.
type Policy struct {
	Rules []PolicyRule `json:"policies,omitempty"`
}

// PolicyRule matches a set of runs and assigns them a publish mode.
// Empty selectors match everything.
type PolicyRule struct {
	// Suites are exact suite names.
	Suites []string `json:"suites,omitempty"`
	// Packages are anchored regular expressions on the package name.
	Packages []string `json:"packages,omitempty"`
	// Maintainers are exact maintainer email addresses.
	Maintainers []string `json:"maintainers,omitempty"`

	PublishMode PublishMode `json:"publish_mode,omitempty"`

	packageRes []*regexp.Regexp
}

// LoadPolicy loads and parses the policy at path.
func LoadPolicy(path string) (*Policy, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	p := &Policy{}
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parsePolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

func parsePolicy(p *Policy) error {
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.PublishMode == "" {
			r.PublishMode = ModeBuildOnly
		}
		if !validMode(r.PublishMode) {
			return fmt.Errorf("policy rule %d: unknown publish mode %q", i, r.PublishMode)
		}
		for _, pat := range r.Packages {
			re, err := regexp.Compile("^(?:" + pat + ")$")
			if err != nil {
				return fmt.Errorf("policy rule %d: bad package pattern %q: %v", i, pat, err)
			}
			r.packageRes = append(r.packageRes, re)
		}
	}
	return nil
}

// Mode resolves the publish mode for the tuple. Unmatched runs are
// recorded but never published.
func (p *Policy) Mode(pkg, suite, maintainer string) PublishMode {
	mode := ModeBuildOnly
	for i := range p.Rules {
		if p.Rules[i].matches(pkg, suite, maintainer) {
			mode = p.Rules[i].PublishMode
		}
	}
	return mode
}

func (r *PolicyRule) matches(pkg, suite, maintainer string) bool {
	if len(r.Suites) > 0 && !containsString(r.Suites, suite) {
		return false
	}
	if len(r.Maintainers) > 0 && !containsString(r.Maintainers, maintainer) {
		return false
	}
	if len(r.packageRes) > 0 {
		matched := false
		for _, re := range r.packageRes {
			if re.MatchString(pkg) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
