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

package builder

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/state"
)

func testConfig() *config.Config {
	return &config.Config{
		AptLocation: "gs://custodian-apt",
		Distribution: config.Distribution{
			Name:               "unstable",
			ArchiveMirrorURI:   "http://deb.example.org/debian",
			Component:          []string{"main", "contrib"},
			Chroot:             "unstable-amd64-sbuild",
			LintianProfile:     "debian",
			LintianSuppressTag: []string{"bad-distribution-in-changes-file"},
			Vendor:             "debian",
			BuildCommand:       "sbuild -A -s -v",
		},
		Suites: []config.Suite{
			{
				Name: "fixes",
				DebianBuild: &config.DebianBuild{
					BuildDistribution:      "fixes",
					BuildSuffix:            "jan+fix",
					ExtraBuildDistribution: []string{"backports"},
					SbuildEnv:              map[string]string{"DEB_BUILD_OPTIONS": "nocheck"},
				},
			},
			{
				Name:         "scan",
				GenericBuild: &config.GenericBuild{Chroot: "scan-chroot"},
			},
		},
	}
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestForSuite(t *testing.T) {
	cfg := testConfig()
	if got := ForSuite(cfg, cfg.Suite("fixes")).Kind(); got != KindDebian {
		t.Errorf("fixes: got kind %q, want debian", got)
	}
	if got := ForSuite(cfg, cfg.Suite("scan")).Kind(); got != KindGeneric {
		t.Errorf("scan: got kind %q, want generic", got)
	}
}

func TestGenericBuildEnv(t *testing.T) {
	cfg := testConfig()
	b := ForSuite(cfg, cfg.Suite("scan"))
	env, err := b.BuildEnv(openStore(t), cfg.Suite("scan"), &state.QueueItem{Package: "pkg"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"CHROOT":       "scan-chroot",
		"REPOSITORIES": "http://deb.example.org/debian unstable/ main contrib",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestDebianBuildEnv(t *testing.T) {
	cfg := testConfig()
	store := openStore(t)
	b := ForSuite(cfg, cfg.Suite("fixes"))
	env, err := b.BuildEnv(store, cfg.Suite("fixes"), &state.QueueItem{Package: "pkg"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"CHROOT":                "unstable-amd64-sbuild",
		"DISTRIBUTION":          "unstable",
		"REPOSITORIES":          "http://deb.example.org/debian unstable/ main contrib",
		"EXTRA_REPOSITORIES":    "deb https://storage.googleapis.com/custodian-apt/ backports/ main",
		"BUILD_DISTRIBUTION":    "fixes",
		"BUILD_SUFFIX":          "jan+fix",
		"BUILD_COMMAND":         "sbuild -A -s -v",
		"LINTIAN_PROFILE":       "debian",
		"LINTIAN_SUPPRESS_TAGS": "bad-distribution-in-changes-file",
		"DEB_BUILD_OPTIONS":     "nocheck",
		"DEB_VENDOR":            "debian",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
}

func TestDebianBuildEnvLastBuildVersion(t *testing.T) {
	cfg := testConfig()
	store := openStore(t)
	run := &state.Run{ID: "r1", Package: "pkg", Suite: "fixes", ResultCode: "success"}
	build := &state.DebianBuild{Source: "pkg", Version: "1.2-1jan+fix1", Distribution: "fixes"}
	if _, err := store.StoreRun(run, build, 0); err != nil {
		t.Fatal(err)
	}

	b := ForSuite(cfg, cfg.Suite("fixes"))
	env, err := b.BuildEnv(store, cfg.Suite("fixes"), &state.QueueItem{Package: "pkg"})
	if err != nil {
		t.Fatal(err)
	}
	if env["LAST_BUILD_VERSION"] != "1.2-1jan+fix1" {
		t.Errorf("got LAST_BUILD_VERSION %q, want 1.2-1jan+fix1", env["LAST_BUILD_VERSION"])
	}
}

func TestPublicAptLocation(t *testing.T) {
	if got := PublicAptLocation("gs://bucket"); got != "https://storage.googleapis.com/bucket/" {
		t.Errorf("got %q", got)
	}
	if got := PublicAptLocation("https://apt.example.org/"); got != "https://apt.example.org/" {
		t.Errorf("plain URL must pass through, got %q", got)
	}
}

func TestResultFromJSON(t *testing.T) {
	result, err := ResultFromJSON("debian", []byte(`{
		"source": "pkg", "build_version": "1.0-1", "build_distribution": "fixes",
		"binary_packages": ["pkg-bin"], "lintian": {"failed": false}}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Debian == nil || result.Debian.Version != "1.0-1" || result.Debian.Distribution != "fixes" {
		t.Errorf("unexpected debian result: %+v", result.Debian)
	}

	// A debian run that produced no build has no side record.
	result, err = ResultFromJSON("debian", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if result.Debian != nil {
		t.Errorf("expected no build record, got %+v", result.Debian)
	}

	if _, err := ResultFromJSON("generic", nil); err != nil {
		t.Errorf("generic: %v", err)
	}
	if _, err := ResultFromJSON("riscos", nil); err == nil {
		t.Error("expected error for unknown kind")
	}
}
