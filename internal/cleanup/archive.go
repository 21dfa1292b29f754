package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"tasksync/internal/storage"
	"tasksync/internal/store"
)

// S3Archiver writes each page of steps as one JSON-lines object
type S3Archiver struct {
	client storage.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver writing under bucket/prefix
func NewS3Archiver(client storage.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Prepare makes sure the bucket exists
func (a *S3Archiver) Prepare(ctx context.Context) error {
	return a.client.EnsureBucket(ctx, a.bucket)
}

// Archive uploads steps. The key is derived from the cutoff and the id range
// so a retried run overwrites its own partial upload.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, steps []store.ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range steps {
		if err := enc.Encode(&steps[i]); err != nil {
			return fmt.Errorf("encode step %d: %w", steps[i].ID, err)
		}
	}

	key := a.objectKey(cutoff, steps[0].ID, steps[len(steps)-1].ID)
	err := a.client.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()), storage.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata: map[string]string{
			"cutoff": cutoff.UTC().Format(time.RFC3339),
			"rows":   strconv.Itoa(len(steps)),
		},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (a *S3Archiver) objectKey(cutoff time.Time, firstID, lastID int64) string {
	cutoff = cutoff.UTC()
	name := fmt.Sprintf("steps-%d-%d-%d.jsonl", cutoff.Unix(), firstID, lastID)
	return path.Join(a.prefix, cutoff.Format("2006/01/02"), name)
}
