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

// Package builder synthesizes per-suite build environments for
// workers and parses the build side of worker results. Builders are
// tagged variants: the kind string is the discriminator both here and
// in result JSON on the wire.
package builder

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/state"
)

// Build target kinds.
const (
	KindGeneric = "generic"
	KindDebian  = "debian"
)

// Builder synthesizes the environment map handed verbatim to a worker.
type Builder interface {
	Kind() string
	BuildEnv(store *state.Store, suite *config.Suite, item *state.QueueItem) (map[string]string, error)
}

// ForSuite selects the builder for a suite's build target.
func ForSuite(cfg *config.Config, suite *config.Suite) Builder {
	if suite.DebianBuild != nil {
		return &DebianBuilder{Distro: &cfg.Distribution, AptLocation: cfg.AptLocation}
	}
	return &GenericBuilder{Distro: &cfg.Distribution}
}

// repositoriesLine renders the sources.list-style line for the base
// distribution archive.
func repositoriesLine(distro *config.Distribution) string {
	return fmt.Sprintf("%s %s/ %s",
		distro.ArchiveMirrorURI, distro.Name, strings.Join(distro.Component, " "))
}

// GenericBuilder targets suites without distribution packaging.
type GenericBuilder struct {
	Distro *config.Distribution
}

// Kind implements Builder.
func (b *GenericBuilder) Kind() string { return KindGeneric }

// BuildEnv implements Builder.
func (b *GenericBuilder) BuildEnv(store *state.Store, suite *config.Suite, item *state.QueueItem) (map[string]string, error) {
	env := map[string]string{}
	if suite.GenericBuild != nil && suite.GenericBuild.Chroot != "" {
		env["CHROOT"] = suite.GenericBuild.Chroot
	} else if b.Distro.Chroot != "" {
		env["CHROOT"] = b.Distro.Chroot
	}
	env["REPOSITORIES"] = repositoriesLine(b.Distro)
	return env, nil
}

// DebianBuilder targets suites that build debian packages.
type DebianBuilder struct {
	Distro      *config.Distribution
	AptLocation string
}

// Kind implements Builder.
func (b *DebianBuilder) Kind() string { return KindDebian }

// BuildEnv implements Builder.
func (b *DebianBuilder) BuildEnv(store *state.Store, suite *config.Suite, item *state.QueueItem) (map[string]string, error) {
	db := suite.DebianBuild
	if db == nil {
		return nil, fmt.Errorf("suite %q has no debian build target", suite.Name)
	}
	aptLocation := PublicAptLocation(b.AptLocation)

	var extras []string
	for _, dist := range db.ExtraBuildDistribution {
		extras = append(extras, fmt.Sprintf("deb %s %s/ main", aptLocation, dist))
	}
	env := map[string]string{
		"EXTRA_REPOSITORIES": strings.Join(extras, ":"),
	}

	if db.Chroot != "" {
		env["CHROOT"] = db.Chroot
	} else if b.Distro.Chroot != "" {
		env["CHROOT"] = b.Distro.Chroot
	}
	if b.Distro.Name != "" {
		env["DISTRIBUTION"] = b.Distro.Name
	}
	env["REPOSITORIES"] = repositoriesLine(b.Distro)

	buildDistribution := db.BuildDistribution
	if buildDistribution == "" {
		buildDistribution = suite.Name
	}
	env["BUILD_DISTRIBUTION"] = buildDistribution
	env["BUILD_SUFFIX"] = db.BuildSuffix

	if db.BuildCommand != "" {
		env["BUILD_COMMAND"] = db.BuildCommand
	} else if b.Distro.BuildCommand != "" {
		env["BUILD_COMMAND"] = b.Distro.BuildCommand
	}

	lastVersion, err := store.LastBuildVersion(item.Package, buildDistribution)
	if err != nil {
		return nil, fmt.Errorf("looking up last build version: %w", err)
	}
	if lastVersion != "" {
		env["LAST_BUILD_VERSION"] = lastVersion
	}

	env["LINTIAN_PROFILE"] = b.Distro.LintianProfile
	if len(b.Distro.LintianSuppressTag) > 0 {
		env["LINTIAN_SUPPRESS_TAGS"] = strings.Join(b.Distro.LintianSuppressTag, ",")
	}
	for k, v := range db.SbuildEnv {
		env[k] = v
	}
	vendor := b.Distro.Vendor
	if vendor == "" {
		vendor = "debian"
	}
	env["DEB_VENDOR"] = vendor
	return env, nil
}

// PublicAptLocation rewrites cloud-storage archive URIs to their
// public HTTPS equivalent; workers have no cloud credentials.
func PublicAptLocation(aptLocation string) string {
	if !strings.HasPrefix(aptLocation, "gs://") {
		return aptLocation
	}
	u, err := url.Parse(aptLocation)
	if err != nil {
		return aptLocation
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/", u.Host)
}

// Result is the parsed build side of a worker result.
type Result struct {
	Kind string
	// Debian is set for debian results that produced a build.
	Debian *state.DebianBuild
}

// debianResultJSON is the target details document debian workers emit.
type debianResultJSON struct {
	Source            string          `json:"source"`
	BuildVersion      string          `json:"build_version"`
	BuildDistribution string          `json:"build_distribution"`
	ChangesFilenames  []string        `json:"changes_filenames"`
	Lintian           json.RawMessage `json:"lintian"`
	BinaryPackages    []string        `json:"binary_packages"`
}

// ResultFromJSON parses the target details for a build kind. Unknown
// kinds are an error; the control plane does not guess.
func ResultFromJSON(kind string, details json.RawMessage) (*Result, error) {
	switch kind {
	case KindGeneric, "":
		return &Result{Kind: KindGeneric}, nil
	case KindDebian:
		var d debianResultJSON
		if len(details) > 0 {
			if err := json.Unmarshal(details, &d); err != nil {
				return nil, fmt.Errorf("parsing debian build result: %w", err)
			}
		}
		result := &Result{Kind: KindDebian}
		if d.BuildVersion != "" {
			result.Debian = &state.DebianBuild{
				Source:         d.Source,
				Version:        d.BuildVersion,
				Distribution:   d.BuildDistribution,
				LintianResult:  d.Lintian,
				BinaryPackages: d.BinaryPackages,
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown build result kind %q", kind)
	}
}
