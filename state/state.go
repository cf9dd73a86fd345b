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

// Package state implements the durable store behind the fleet: the work
// queue, runs, publish history, the merge proposal index and the package
// registry, all in a single embedded bolt database. Writes serialize per
// transaction; reads run concurrently.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPackages     = []byte("packages")
	bucketQueue        = []byte("queue")          // priority key -> QueueItem
	bucketQueueByID    = []byte("queue_by_id")    // id -> priority key
	bucketQueueByCode  = []byte("queue_by_code")  // package\x00suite -> id
	bucketRuns         = []byte("runs")           // run id -> Run
	bucketLastRun      = []byte("last_run")       // package\x00suite -> run id
	bucketLastSuccess  = []byte("last_success")   // package\x00suite -> run id
	bucketSuccessByRev = []byte("success_by_rev") // package\x00suite\x00revision -> run id
	bucketSuccessByMBR = []byte("success_by_mbr") // package\x00main branch revision -> run id
	bucketRunsBySuite  = []byte("runs_by_suite")  // suite\x00package -> run id
	bucketPublish      = []byte("publish")        // publish id -> Publish
	bucketPublishIdx   = []byte("publish_idx")    // package\x00branch\x00revision\x00mode -> publish id
	bucketProposals    = []byte("proposals")      // url -> ProposalInfo
	bucketDebianBuilds = []byte("debian_builds")  // source\x00distribution\x00seq -> DebianBuild
)

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

// Store is a bolt-backed durable state store.
type Store struct {
	db *bolt.DB
}

// New opens (creating if necessary) the database at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPackages,
			bucketQueue,
			bucketQueueByID,
			bucketQueueByCode,
			bucketRuns,
			bucketLastRun,
			bucketLastSuccess,
			bucketSuccessByRev,
			bucketSuccessByMBR,
			bucketRunsBySuite,
			bucketPublish,
			bucketPublishIdx,
			bucketProposals,
			bucketDebianBuilds,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// itob encodes an id as a sortable big-endian key.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// otob encodes a signed offset so that byte order matches numeric order.
func otob(v int64) []byte {
	return itob(uint64(v) ^ (1 << 63))
}

// codeKey joins name components with a NUL separator.
func codeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// priorityKey orders the queue by (bucket, offset, id).
func priorityKey(bucket string, offset int64, id uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString(bucket)
	buf.WriteByte(0)
	buf.Write(otob(offset))
	buf.Write(itob(id))
	return buf.Bytes()
}
