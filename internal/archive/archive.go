// Package archive writes purged queue history somewhere durable before it
// is deleted from the local store.
//
// A batch is encoded as JSON Lines: one record per purged queue item or
// conflict, in purge order. Dir writes files on the local filesystem;
// Bucket uploads objects to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// Archiver stores one purge batch and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, b Batch) (string, error)
}

// Batch is the set of rows removed by one purge.
type Batch struct {
	Items     []model.QueueItem
	Conflicts []model.ConflictRecord
	PurgedAt  time.Time
}

// Record kinds.
const (
	KindItem     = "item"
	KindConflict = "conflict"
)

// Record is one archive line.
type Record struct {
	Kind     string                `json:"kind"`
	Item     *model.QueueItem      `json:"item,omitempty"`
	Conflict *model.ConflictRecord `json:"conflict,omitempty"`
}

// Encode renders b as JSON Lines.
func Encode(b Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range b.Items {
		if err := enc.Encode(Record{Kind: KindItem, Item: &b.Items[i]}); err != nil {
			return nil, fmt.Errorf("encode item %s: %w", b.Items[i].ID, err)
		}
	}
	for i := range b.Conflicts {
		if err := enc.Encode(Record{Kind: KindConflict, Conflict: &b.Conflicts[i]}); err != nil {
			return nil, fmt.Errorf("encode conflict %s: %w", b.Conflicts[i].ID, err)
		}
	}
	return buf.Bytes(), nil
}

// Name is the file or object name for a batch purged at t.
func Name(t time.Time) string {
	return "offsync-purge-" + t.UTC().Format("20060102T150405.000Z") + ".jsonl"
}

// Func adapts a to store.PurgeTerminal. The location of the written batch
// is passed to done, which may be nil.
func Func(a Archiver, now func() time.Time, done func(location string)) store.ArchiveFunc {
	return func(ctx context.Context, res store.PurgeResult) error {
		loc, err := a.Archive(ctx, Batch{
			Items:     res.Items,
			Conflicts: res.Conflicts,
			PurgedAt:  now(),
		})
		if err != nil {
			return err
		}
		if done != nil {
			done(loc)
		}
		return nil
	}
}
