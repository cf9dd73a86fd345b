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

// Package config knows how to read and parse config.yaml and the
// publish policy that accompanies it.
package config

import (
	"fmt"
	"io/ioutil"

	"sigs.k8s.io/yaml"
)

// Config is a read-only snapshot of the fleet configuration.
type Config struct {
	// InstanceName identifies this deployment in logs and user agents.
	InstanceName string `json:"instance_name,omitempty"`
	// Committer is the identity used for commits made on our behalf,
	// e.g. "Custodian Bot <bot@custodian.example>".
	Committer string `json:"committer,omitempty"`
	// AptLocation is the archive the fleet publishes built packages to.
	// Cloud storage URIs (gs://bucket) are rewritten to their public
	// HTTPS equivalent before being handed to workers.
	AptLocation string `json:"apt_location,omitempty"`
	// LogsLocation and ArtifactLocation are blob URLs understood by the
	// log and artifact managers.
	LogsLocation     string `json:"logs_location,omitempty"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	// VCSLocation points at the VCS store; an HTTP(S) URL selects the
	// remote manager, anything else a local filesystem layout.
	VCSLocation string `json:"vcs_location,omitempty"`
	// PublicVCSLocation is the VCS store base URL reachable by workers.
	// Defaults to VCSLocation.
	PublicVCSLocation string `json:"public_vcs_location,omitempty"`

	Distribution Distribution `json:"distribution,omitempty"`
	Suites       []Suite      `json:"suites,omitempty"`

	Policy *Policy `json:"-"`
}

// Distribution describes the base distribution runs build against.
type Distribution struct {
	Name               string   `json:"name,omitempty"`
	ArchiveMirrorURI   string   `json:"archive_mirror_uri,omitempty"`
	Component          []string `json:"component,omitempty"`
	Chroot             string   `json:"chroot,omitempty"`
	LintianProfile     string   `json:"lintian_profile,omitempty"`
	LintianSuppressTag []string `json:"lintian_suppress_tag,omitempty"`
	Vendor             string   `json:"vendor,omitempty"`
	BuildCommand       string   `json:"build_command,omitempty"`
}

// Suite is a named configuration bundle under which runs execute.
// At most one of DebianBuild or GenericBuild may be set.
type Suite struct {
	Name string `json:"name"`
	// BranchName is the derived-branch namespace for published results;
	// defaults to the suite name.
	BranchName   string        `json:"branch_name,omitempty"`
	ForceBuild   bool          `json:"force_build,omitempty"`
	DebianBuild  *DebianBuild  `json:"debian_build,omitempty"`
	GenericBuild *GenericBuild `json:"generic_build,omitempty"`
}

// DebianBuild configures the debian build target for a suite.
type DebianBuild struct {
	Chroot                 string            `json:"chroot,omitempty"`
	BuildDistribution      string            `json:"build_distribution,omitempty"`
	BuildSuffix            string            `json:"build_suffix,omitempty"`
	BuildCommand           string            `json:"build_command,omitempty"`
	ExtraBuildDistribution []string          `json:"extra_build_distribution,omitempty"`
	SbuildEnv              map[string]string `json:"sbuild_env,omitempty"`
}

// GenericBuild configures the generic build target for a suite.
type GenericBuild struct {
	Chroot string `json:"chroot,omitempty"`
}

// Load loads and parses the config at path, and the policy at
// policyPath when non-empty.
func Load(path, policyPath string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	if policyPath != "" {
		p, err := LoadPolicy(policyPath)
		if err != nil {
			return nil, err
		}
		nc.Policy = p
	}
	return nc, nil
}

func parseConfig(c *Config) error {
	seen := map[string]bool{}
	for i := range c.Suites {
		s := &c.Suites[i]
		if s.Name == "" {
			return fmt.Errorf("suite %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate suite %q", s.Name)
		}
		seen[s.Name] = true
		if s.DebianBuild != nil && s.GenericBuild != nil {
			return fmt.Errorf("suite %q declares both debian and generic builds", s.Name)
		}
		if s.BranchName == "" {
			s.BranchName = s.Name
		}
	}
	if c.PublicVCSLocation == "" {
		c.PublicVCSLocation = c.VCSLocation
	}
	if c.Distribution.Vendor == "" {
		c.Distribution.Vendor = "debian"
	}
	return nil
}

// Suite returns the named suite config, or nil.
func (c *Config) Suite(name string) *Suite {
	for i := range c.Suites {
		if c.Suites[i].Name == name {
			return &c.Suites[i]
		}
	}
	return nil
}

// SuitesForBuildDistribution returns the suites whose extra build
// distributions include dist. Used for missing-dependency follow-ups.
func (c *Config) SuitesForBuildDistribution(dist string) []*Suite {
	var out []*Suite
	for i := range c.Suites {
		db := c.Suites[i].DebianBuild
		if db == nil {
			continue
		}
		for _, extra := range db.ExtraBuildDistribution {
			if extra == dist {
				out = append(out, &c.Suites[i])
				break
			}
		}
	}
	return out
}
