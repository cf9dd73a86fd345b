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

// Package logs stores run logs as blobs named
// <package>/<log_id>/<filename>. The primary store is any bucket URL
// gocloud understands; a filesystem-backed manager doubles as the
// backup store that absorbs writes while the primary is unavailable.
package logs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	// Bucket URL schemes the log location may use.
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// Manager reads and writes run logs.
type Manager interface {
	Import(ctx context.Context, pkg, logID, name string, r io.Reader) error
	Get(ctx context.Context, pkg, logID, name string) (io.ReadCloser, error)
	List(ctx context.Context, pkg, logID string) ([]string, error)
}

// blobManager stores logs in a gocloud bucket.
type blobManager struct {
	bucket *blob.Bucket
}

// NewManager opens the log store at location. Bucket URLs go through
// gocloud; anything else is treated as a local directory, created on
// demand.
func NewManager(ctx context.Context, location string) (Manager, error) {
	bucket, err := openBucket(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("opening log store %s: %w", location, err)
	}
	return &blobManager{bucket: bucket}, nil
}

func openBucket(ctx context.Context, location string) (*blob.Bucket, error) {
	if strings.Contains(location, "://") {
		return blob.OpenBucket(ctx, location)
	}
	if err := os.MkdirAll(location, 0755); err != nil {
		return nil, err
	}
	return fileblob.OpenBucket(location, nil)
}

func key(pkg, logID, name string) string {
	return fmt.Sprintf("%s/%s/%s", pkg, logID, name)
}

// Import implements Manager.
func (m *blobManager) Import(ctx context.Context, pkg, logID, name string, r io.Reader) error {
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

// Get implements Manager.
func (m *blobManager) Get(ctx context.Context, pkg, logID, name string) (io.ReadCloser, error) {
	return m.bucket.NewReader(ctx, key(pkg, logID, name), nil)
}

// List implements Manager.
func (m *blobManager) List(ctx context.Context, pkg, logID string) ([]string, error) {
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

// IsUnavailable reports whether the store failed in a way worth
// retrying against the backup: the service is down or refused us.
func IsUnavailable(err error) bool {
	switch gcerrors.Code(err) {
	case gcerrors.Unknown, gcerrors.Internal, gcerrors.ResourceExhausted, gcerrors.PermissionDenied, gcerrors.DeadlineExceeded:
		return true
	}
	return false
}

// ImportWithBackup writes to primary, falling back to backup when the
// primary is unavailable. Reports whether the backup absorbed the
// write.
func ImportWithBackup(ctx context.Context, primary, backup Manager, pkg, logID, name string, data []byte) (backedUp bool, err error) {
	err = primary.Import(ctx, pkg, logID, name, strings.NewReader(string(data)))
	if err == nil {
		return false, nil
	}
	if backup == nil || !IsUnavailable(err) {
		return false, err
	}
	if berr := backup.Import(ctx, pkg, logID, name, strings.NewReader(string(data))); berr != nil {
		return false, fmt.Errorf("primary: %v; backup: %w", err, berr)
	}
	return true, nil
}

// DrainBackup copies every blob in backup to primary, deleting from
// backup as it goes. Used by the periodic re-upload task.
func DrainBackup(ctx context.Context, backup, primary *blob.Bucket) error {
	iter := backup.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		r, err := backup.NewReader(ctx, obj.Key, nil)
		if err != nil {
			return err
		}
		w, err := primary.NewWriter(ctx, obj.Key, nil)
		if err != nil {
			r.Close()
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			r.Close()
			w.Close()
			return err
		}
		r.Close()
		if err := w.Close(); err != nil {
			return err
		}
		if err := backup.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
}

// Bucket exposes the underlying bucket for the re-upload task.
func (m *blobManager) Bucket() *blob.Bucket {
	return m.bucket
}

// UnderlyingBucket returns the gocloud bucket behind a manager created
// by NewManager, or nil for other implementations.
func UnderlyingBucket(m Manager) *blob.Bucket {
	if bm, ok := m.(*blobManager); ok {
		return bm.bucket
	}
	return nil
}
