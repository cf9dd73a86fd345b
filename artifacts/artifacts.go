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

// Package artifacts stores build artifacts (changes files, binary
// packages, tarballs) as blobs named <package>/<log_id>/<filename>,
// mirroring the log store's naming so a run's outputs live side by
// side.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/custodian-sh/custodian/logs"
)

// Manager reads and writes run artifacts.
type Manager struct {
	bucket *blob.Bucket
}

// NewManager opens the artifact store at location; bucket URLs go
// through gocloud, anything else is a local directory.
func NewManager(ctx context.Context, location string) (*Manager, error) {
	var bucket *blob.Bucket
	var err error
	if strings.Contains(location, "://") {
		bucket, err = blob.OpenBucket(ctx, location)
	} else {
		if err := os.MkdirAll(location, 0755); err != nil {
			return nil, err
		}
		bucket, err = fileblob.OpenBucket(location, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("opening artifact store %s: %w", location, err)
	}
	return &Manager{bucket: bucket}, nil
}

func key(pkg, logID, name string) string {
	return fmt.Sprintf("%s/%s/%s", pkg, logID, name)
}

// Store writes one artifact.
func (m *Manager) Store(ctx context.Context, pkg, logID, name string, r io.Reader) error {
	w, err := m.bucket.NewWriter(ctx, key(pkg, logID, name), nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Get reads one artifact back.
func (m *Manager) Get(ctx context.Context, pkg, logID, name string) (io.ReadCloser, error) {
	return m.bucket.NewReader(ctx, key(pkg, logID, name), nil)
}

// List enumerates a run's artifact filenames.
func (m *Manager) List(ctx context.Context, pkg, logID string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/", pkg, logID)
	iter := m.bucket.List(&blob.ListOptions{Prefix: prefix})
	var names []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(obj.Key, prefix))
	}
	return names, nil
}

// Bucket exposes the underlying bucket for the re-upload task.
func (m *Manager) Bucket() *blob.Bucket {
	return m.bucket
}

// StoreWithBackup writes to primary, diverting to backup when the
// primary is unavailable. Reports whether the backup absorbed the
// write.
func StoreWithBackup(ctx context.Context, primary, backup *Manager, pkg, logID, name string, data []byte) (backedUp bool, err error) {
	err = primary.Store(ctx, pkg, logID, name, bytes.NewReader(data))
	if err == nil {
		return false, nil
	}
	if backup == nil || !logs.IsUnavailable(err) {
		return false, err
	}
	if berr := backup.Store(ctx, pkg, logID, name, bytes.NewReader(data)); berr != nil {
		return false, fmt.Errorf("primary: %v; backup: %w", err, berr)
	}
	return true, nil
}
