package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/model"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestItem creates a node update with minimal required fields.
func createTestItem(id, nodeID string) model.QueueItem {
	return model.QueueItem{
		ID:          id,
		Op:          model.OpUpdate,
		TargetType:  model.TargetNode,
		TargetID:    nodeID,
		Payload:     model.NewPayload(model.NodeUpsert{ProjectID: "p1", Title: id}),
		BaseVersion: 1,
	}
}

// mustInsert inserts an item at testEpoch and fails the test on error.
func mustInsert(t *testing.T, s *Store, item model.QueueItem) model.QueueItem {
	t.Helper()
	stored, _, err := s.InsertItem(context.Background(), item, testEpoch)
	if err != nil {
		t.Fatalf("InsertItem(%s) failed: %v", item.ID, err)
	}
	return stored
}

func ids(items []model.QueueItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
