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
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// StoreRun persists the run, its optional debian build record and every
// index update, and deletes the originating queue row, all in a single
// transaction. A crash before commit leaves the queue item intact.
//
// Duplicate guards: a run id that already exists is not overwritten, and
// a success run whose (package, suite, revision) tuple already has a
// success run is not stored a second time; both report stored=false and
// still consume the queue row.
func (s *Store) StoreRun(run *Run, build *DebianBuild, queueID uint64) (stored bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		if runs.Get([]byte(run.ID)) != nil {
			return deleteQueueItemTx(tx, queueID)
		}
		if run.ResultCode == ResultCodeSuccess && run.Revision != "" {
			revKey := codeKey(run.Package, run.Suite, run.Revision)
			if existing := tx.Bucket(bucketSuccessByRev).Get(revKey); existing != nil && string(existing) != run.ID {
				return deleteQueueItemTx(tx, queueID)
			}
		}

		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := runs.Put([]byte(run.ID), data); err != nil {
			return err
		}
		code := codeKey(run.Package, run.Suite)
		if err := tx.Bucket(bucketLastRun).Put(code, []byte(run.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRunsBySuite).Put(codeKey(run.Suite, run.Package), []byte(run.ID)); err != nil {
			return err
		}
		if run.ResultCode == ResultCodeSuccess {
			if err := tx.Bucket(bucketLastSuccess).Put(code, []byte(run.ID)); err != nil {
				return err
			}
			if run.Revision != "" {
				if err := tx.Bucket(bucketSuccessByRev).Put(codeKey(run.Package, run.Suite, run.Revision), []byte(run.ID)); err != nil {
					return err
				}
			}
			if run.MainBranchRevision != "" {
				if err := tx.Bucket(bucketSuccessByMBR).Put(codeKey(run.Package, run.MainBranchRevision), []byte(run.ID)); err != nil {
					return err
				}
			}
		}
		if build != nil && build.Version != "" {
			build.RunID = run.ID
			bd, err := json.Marshal(build)
			if err != nil {
				return err
			}
			builds := tx.Bucket(bucketDebianBuilds)
			seq, err := builds.NextSequence()
			if err != nil {
				return err
			}
			key := append(codeKey(build.Source, build.Distribution), 0)
			key = append(key, itob(seq)...)
			if err := builds.Put(key, bd); err != nil {
				return err
			}
		}
		stored = true
		return deleteQueueItemTx(tx, queueID)
	})
	return stored, err
}

// GetRun fetches a run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRuns).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		run = &Run{}
		return json.Unmarshal(raw, run)
	})
	return run, err
}

// HasRun reports whether a run with the id exists.
func (s *Store) HasRun(id string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRuns).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// GetLastRun returns the most recent run for (package, suite), or
// ErrNotFound.
func (s *Store) GetLastRun(pkg, suite string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = getLastRunTx(tx, pkg, suite)
		return err
	})
	return run, err
}

func getLastRunTx(tx *bolt.Tx, pkg, suite string) (*Run, error) {
	id := tx.Bucket(bucketLastRun).Get(codeKey(pkg, suite))
	if id == nil {
		return nil, ErrNotFound
	}
	raw := tx.Bucket(bucketRuns).Get(id)
	if raw == nil {
		return nil, fmt.Errorf("dangling run index for %s/%s", pkg, suite)
	}
	run := &Run{}
	return run, json.Unmarshal(raw, run)
}

// GetLastUnabsorbedRun returns the most recent run for (package, suite)
// whose change has not yet reached the target branch. Returns
// ErrNotFound both when no runs exist and when the latest run is
// absorbed: in either case there is nothing left to publish.
func (s *Store) GetLastUnabsorbedRun(pkg, suite string) (*Run, error) {
	run, err := s.GetLastRun(pkg, suite)
	if err != nil {
		return nil, err
	}
	if run.Absorbed {
		return nil, ErrNotFound
	}
	return run, nil
}

// GetSuccessRunByRevision returns the success run for (package, suite)
// whose result revision matches, or ErrNotFound. Used to validate
// resume branches against their originating run.
func (s *Store) GetSuccessRunByRevision(pkg, suite, revision string) (*Run, error) {
	var run *Run
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSuccessByRev).Get(codeKey(pkg, suite, revision))
		if id == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketRuns).Get(id)
		if raw == nil {
			return ErrNotFound
		}
		run = &Run{}
		return json.Unmarshal(raw, run)
	})
	return run, err
}

// HasSuccessRun reports whether any success run exists for the package
// at the given main branch revision.
func (s *Store) HasSuccessRun(pkg, mainBranchRevision string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSuccessByMBR).Get(codeKey(pkg, mainBranchRevision)) != nil
		return nil
	})
	return found, err
}

// SetRunReviewStatus updates the review verdict on a run.
func (s *Store) SetRunReviewStatus(id, status string) error {
	return s.mutateRun(id, func(run *Run) {
		run.ReviewStatus = status
	})
}

// SetRunAbsorbed marks a run's change as having reached the target
// branch.
func (s *Store) SetRunAbsorbed(id string, absorbed bool) error {
	return s.mutateRun(id, func(run *Run) {
		run.Absorbed = absorbed
	})
}

func (s *Store) mutateRun(id string, mutate func(*Run)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		raw := runs.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var run Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return err
		}
		mutate(&run)
		data, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return runs.Put([]byte(id), data)
	})
}

// IterLastRunsBySuite visits the most recent run of every package that
// has run under the suite.
func (s *Store) IterLastRunsBySuite(suite string, fn func(*Run) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRunsBySuite).Cursor()
		prefix := append(codeKey(suite), 0)
		runs := tx.Bucket(bucketRuns)
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			raw := runs.Get(id)
			if raw == nil {
				continue
			}
			var run Run
			if err := json.Unmarshal(raw, &run); err != nil {
				return err
			}
			if err := fn(&run); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastBuildVersion returns the version of the most recent debian build
// for (source, distribution), or "" when none is recorded.
func (s *Store) LastBuildVersion(source, distribution string) (string, error) {
	var version string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDebianBuilds).Cursor()
		prefix := append(codeKey(source, distribution), 0)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var build DebianBuild
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			version = build.Version
		}
		return nil
	})
	return version, err
}
