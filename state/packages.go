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
	"strings"

	bolt "go.etcd.io/bbolt"
)

// StorePackage upserts a package registry entry.
func (s *Store) StorePackage(p *Package) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPackages).Put([]byte(p.Name), data)
	})
}

// GetPackage fetches a package by name.
func (s *Store) GetPackage(name string) (*Package, error) {
	var p *Package
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = s.getPackageTx(tx, name)
		return err
	})
	return p, err
}

func (s *Store) getPackageTx(tx *bolt.Tx, name string) (*Package, error) {
	raw := tx.Bucket(bucketPackages).Get([]byte(name))
	if raw == nil {
		return nil, ErrNotFound
	}
	p := &Package{}
	return p, json.Unmarshal(raw, p)
}

// UpdateBranchURL rewrites a package's VCS coordinates after the branch
// has been rediscovered elsewhere.
func (s *Store) UpdateBranchURL(name, vcsType, branchURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		packages := tx.Bucket(bucketPackages)
		raw := packages.Get([]byte(name))
		if raw == nil {
			return ErrNotFound
		}
		var p Package
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		p.VCSType = strings.ToLower(vcsType)
		p.BranchURL = branchURL
		data, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return packages.Put([]byte(name), data)
	})
}

// IterPackages visits every package in name order.
func (s *Store) IterPackages(fn func(*Package) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPackages).ForEach(func(k, v []byte) error {
			var p Package
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			return fn(&p)
		})
	})
}
