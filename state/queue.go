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
	"time"

	bolt "go.etcd.io/bbolt"
)

// AddToQueue schedules a run for (package, suite). Repeated requests for
// the same (package, suite) collapse onto the existing item: the lower
// offset wins, refresh is sticky and command, context and requestor are
// refreshed. Returns the queue id.
func (s *Store) AddToQueue(pkg, command, suite string, offset int64, bucket string, context string, estimatedDuration time.Duration, refresh bool, requestor string) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketQueue)
		byID := tx.Bucket(bucketQueueByID)
		byCode := tx.Bucket(bucketQueueByCode)

		code := codeKey(pkg, suite)
		if existing := byCode.Get(code); existing != nil {
			oldKey := byID.Get(existing)
			raw := queue.Get(oldKey)
			var item QueueItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return err
			}
			item.Command = command
			item.Context = context
			item.Requestor = requestor
			item.Refresh = item.Refresh || refresh
			if offset < item.Offset {
				item.Offset = offset
			}
			if bucket < item.Bucket {
				item.Bucket = bucket
			}
			if estimatedDuration != 0 {
				item.EstimatedDuration = estimatedDuration
			}
			newKey := priorityKey(item.Bucket, item.Offset, item.ID)
			if !bytes.Equal(oldKey, newKey) {
				if err := queue.Delete(oldKey); err != nil {
					return err
				}
				if err := byID.Put(itob(item.ID), newKey); err != nil {
					return err
				}
			}
			data, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			id = item.ID
			return queue.Put(newKey, data)
		}

		seq, err := queue.NextSequence()
		if err != nil {
			return err
		}
		item := QueueItem{
			ID:                seq,
			Package:           pkg,
			Suite:             suite,
			Command:           command,
			Context:           context,
			Bucket:            bucket,
			Offset:            offset,
			Refresh:           refresh,
			Requestor:         requestor,
			EstimatedDuration: estimatedDuration,
		}
		if p, err := s.getPackageTx(tx, pkg); err == nil {
			item.BranchURL = p.BranchURL
			item.VCSType = p.VCSType
			item.Subpath = p.Subpath
		}
		data, err := json.Marshal(&item)
		if err != nil {
			return err
		}
		key := priorityKey(item.Bucket, item.Offset, item.ID)
		if err := queue.Put(key, data); err != nil {
			return err
		}
		if err := byID.Put(itob(item.ID), key); err != nil {
			return err
		}
		if err := byCode.Put(code, itob(item.ID)); err != nil {
			return err
		}
		id = item.ID
		return nil
	})
	return id, err
}

// IterQueue returns up to limit items in scheduling priority order.
// limit <= 0 means no limit.
func (s *Store) IterQueue(limit int) ([]*QueueItem, error) {
	var items []*QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			if limit > 0 && len(items) >= limit {
				return nil
			}
		}
		return nil
	})
	return items, err
}

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(id uint64) (*QueueItem, error) {
	var item *QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketQueueByID).Get(itob(id))
		if key == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketQueue).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		item = &QueueItem{}
		return json.Unmarshal(raw, item)
	})
	return item, err
}

// QueueLength reports the number of queued items.
func (s *Store) QueueLength() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n, err
}

// deleteQueueItemTx removes a queue row and its indexes inside tx.
func deleteQueueItemTx(tx *bolt.Tx, id uint64) error {
	byID := tx.Bucket(bucketQueueByID)
	key := byID.Get(itob(id))
	if key == nil {
		return nil
	}
	queue := tx.Bucket(bucketQueue)
	raw := queue.Get(key)
	if raw != nil {
		var item QueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueueByCode).Delete(codeKey(item.Package, item.Suite)); err != nil {
			return err
		}
	}
	if err := queue.Delete(key); err != nil {
		return err
	}
	return byID.Delete(itob(id))
}
