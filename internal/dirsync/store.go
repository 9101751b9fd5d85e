package dirsync

import (
	"context"
	"time"

	"github.com/openmined/dirsync/internal/blob"
)

// RemoteStore is the object store a manager pushes archives to and restores from.
// Keys are relative to the location the store was opened for; writes are last-write-wins.
type RemoteStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]*blob.BlobInfo, error)
}

var _ RemoteStore = (*blob.Store)(nil)

// PushRecord describes one archive pushed to the remote store
type PushRecord struct {
	Root     string `json:"root"`
	Key      string `json:"key"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Files    int    `json:"files"`
	// Session identifies the Start/Stop cycle of the manager that pushed
	Session  string    `json:"session"`
	Host     string    `json:"host"`
	PushedAt time.Time `json:"pushed_at"`
}

// PushRecorder persists push records, e.g. the sqlite journal
type PushRecorder interface {
	RecordPush(ctx context.Context, rec *PushRecord) error
}
