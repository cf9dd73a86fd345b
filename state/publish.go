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

package state

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/custodian-sh/custodian/config"
)

// StorePublish appends a publish attempt. Successful attempts also feed
// the idempotence index consulted by AlreadyPublished.
func (s *Store) StorePublish(p *Publish) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPublish).Put([]byte(p.ID), data); err != nil {
			return err
		}
		if p.Code == "success" {
			idx := codeKey(p.Package, p.BranchName, p.Revision, p.Mode)
			if err := tx.Bucket(bucketPublishIdx).Put(idx, []byte(p.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AlreadyPublished reports whether a successful publish attempt exists
// for the tuple.
func (s *Store) AlreadyPublished(pkg, branchName, revision string, mode config.PublishMode) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = alreadyPublishedTx(tx, pkg, branchName, revision, mode)
		return nil
	})
	return found, err
}

func alreadyPublishedTx(tx *bolt.Tx, pkg, branchName, revision string, mode config.PublishMode) bool {
	idx := codeKey(pkg, branchName, revision, string(mode))
	return tx.Bucket(bucketPublishIdx).Get(idx) != nil
}

// GetPublish fetches a publish attempt by id.
func (s *Store) GetPublish(id string) (*Publish, error) {
	var p *Publish
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPublish).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		p = &Publish{}
		return json.Unmarshal(raw, p)
	})
	return p, err
}

// PublishCandidate is a run that is ready to be published, joined with
// its package and resolved policy.
type PublishCandidate struct {
	Run        *Run
	Package    *Package
	BranchName string
	Mode       config.PublishMode
}

// IterPublishReady yields the newest successful, unabsorbed run of every
// (package, suite), joined with the package and the policy resolved by
// the caller, excluding runs already published for the resolved mode at
// that revision. With reviewedOnly, only approved runs qualify; rejected
// runs never do.
func (s *Store) IterPublishReady(reviewedOnly bool, resolve func(*Run, *Package) (string, config.PublishMode)) ([]*PublishCandidate, error) {
	allowed := sets.NewString(ReviewApproved)
	if !reviewedOnly {
		allowed.Insert(ReviewUnreviewed, "")
	}
	var out []*PublishCandidate
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		packages := tx.Bucket(bucketPackages)
		c := tx.Bucket(bucketLastSuccess).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			raw := runs.Get(id)
			if raw == nil {
				continue
			}
			var run Run
			if err := json.Unmarshal(raw, &run); err != nil {
				return err
			}
			if run.Absorbed || !allowed.Has(run.ReviewStatus) {
				continue
			}
			praw := packages.Get([]byte(run.Package))
			if praw == nil {
				continue
			}
			var pkg Package
			if err := json.Unmarshal(praw, &pkg); err != nil {
				return err
			}
			if pkg.Removed {
				continue
			}
			branchName, mode := resolve(&run, &pkg)
			if alreadyPublishedTx(tx, run.Package, branchName, run.Revision, mode) {
				continue
			}
			out = append(out, &PublishCandidate{
				Run:        &run,
				Package:    &pkg,
				BranchName: branchName,
				Mode:       mode,
			})
		}
		return nil
	})
	return out, err
}
