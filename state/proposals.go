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
)

// SetProposalInfo records the last observed state of a merge proposal.
func (s *Store) SetProposalInfo(info *ProposalInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProposals).Put([]byte(info.URL), data)
	})
}

// GetProposalInfo fetches the stored state of a proposal by URL.
func (s *Store) GetProposalInfo(url string) (*ProposalInfo, error) {
	var info *ProposalInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProposals).Get([]byte(url))
		if raw == nil {
			return ErrNotFound
		}
		info = &ProposalInfo{}
		return json.Unmarshal(raw, info)
	})
	return info, err
}

// IterProposals visits every indexed proposal.
func (s *Store) IterProposals(fn func(*ProposalInfo) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProposals).ForEach(func(k, v []byte) error {
			var info ProposalInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			return fn(&info)
		})
	})
}
