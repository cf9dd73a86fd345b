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

// chroot-creator keeps the sbuild chroots workers build in up to
// date: missing chroots are bootstrapped, existing ones updated on a
// schedule.
package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"github.com/custodian-sh/custodian/config"
	"github.com/custodian-sh/custodian/interrupts"
	"github.com/custodian-sh/custodian/logrusutil"
)

var (
	configPath = flag.String("config-path", "/etc/custodian/config.yaml", "Path to config.yaml.")
	directory  = flag.String("directory", "/srv/chroot", "Directory chroots are created under.")
	schedule   = flag.String("schedule", "@weekly", "Cron schedule for chroot refreshes.")
	once       = flag.Bool("once", false, "Refresh every chroot once and exit.")

	removeOld         = flag.Bool("remove-old", false, "Remove an existing chroot and bootstrap it from scratch.")
	include           = flag.String("include", "", "Comma-separated extra packages installed into new chroots.")
	makeSbuildTarball = flag.Bool("make-sbuild-tarball", true, "Create tarball chroots instead of plain directories.")
)

func main() {
	flag.Parse()
	logrusutil.ComponentInit("chroot-creator")
	log := logrus.NewEntry(logrus.StandardLogger())

	configAgent := &config.Agent{}
	if err := configAgent.Start(*configPath, ""); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}

	refresh := func() {
		cfg := configAgent.Config()
		for _, chroot := range chroots(cfg) {
			if err := refreshChroot(interrupts.Context(), cfg, chroot, log); err != nil {
				log.WithError(err).WithField("chroot", chroot).Error("Error refreshing chroot.")
			}
		}
	}

	if *once {
		refresh()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, refresh); err != nil {
		logrus.WithError(err).Fatal("Invalid --schedule.")
	}
	c.Start()
	interrupts.OnInterrupt(func() { c.Stop() })
	refresh()
	interrupts.WaitForGracefulShutdown()
}

// chroots collects every chroot the config references, base
// distribution first.
func chroots(cfg *config.Config) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(cfg.Distribution.Chroot)
	var rest []string
	for _, suite := range cfg.Suites {
		if suite.DebianBuild != nil && suite.DebianBuild.Chroot != "" && !seen[suite.DebianBuild.Chroot] {
			seen[suite.DebianBuild.Chroot] = true
			rest = append(rest, suite.DebianBuild.Chroot)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// refreshChroot bootstraps the chroot when missing, otherwise brings
// it up to date.
func refreshChroot(ctx context.Context, cfg *config.Config, chroot string, log *logrus.Entry) error {
	// Chroot names follow the schroot convention distribution-arch-kind;
	// the distribution is everything before the first dash.
	distribution := chroot
	if i := strings.Index(chroot, "-"); i > 0 {
		distribution = chroot[:i]
	}
	target := filepath.Join(*directory, chroot)

	if *removeOld {
		if err := os.RemoveAll(target); err != nil {
			return err
		}
	}

	var cmd *exec.Cmd
	if _, err := os.Stat(target); os.IsNotExist(err) {
		log.WithField("chroot", chroot).Info("Bootstrapping chroot.")
		var args []string
		if *makeSbuildTarball {
			args = append(args, "--make-sbuild-tarball="+target+".tar.xz")
		}
		if *include != "" {
			args = append(args, "--include="+*include)
		}
		args = append(args, distribution, target)
		if cfg.Distribution.ArchiveMirrorURI != "" {
			args = append(args, cfg.Distribution.ArchiveMirrorURI)
		}
		cmd = exec.CommandContext(ctx, "sbuild-createchroot", args...)
	} else {
		log.WithField("chroot", chroot).Info("Updating chroot.")
		cmd = exec.CommandContext(ctx, "sbuild-update", "-udcar", chroot)
	}
	cmd.Stdout = log.WriterLevel(logrus.InfoLevel)
	cmd.Stderr = log.WriterLevel(logrus.WarnLevel)
	return cmd.Run()
}
