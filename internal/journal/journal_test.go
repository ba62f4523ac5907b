package journal

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"uowcore/internal/blob"
	"uowcore/pkg/domain"
)

func changes() []domain.ChangeSet {
	return []domain.ChangeSet{
		{
			State:  domain.StateAdded,
			Table:  "users",
			Key:    domain.ScalarKey(domain.Int(3)),
			Values: domain.Record{"id": domain.Int(3), "name": domain.String("carol")},
		},
		{
			State:   domain.StateModified,
			Table:   "users",
			Key:     domain.ScalarKey(domain.Int(1)),
			Changes: map[string]domain.FieldChange{"name": {Old: domain.String("alice"), New: domain.String("alicia")}},
		},
		{
			State: domain.StateDeleted,
			Table: "members",
			Key:   domain.CompositeKey(domain.String("org"), domain.Int(2)),
		},
	}
}

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j, err := New(store, WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := uuid.Parse(j.Session()); err != nil {
		t.Fatalf("expected uuid session id, got %q", j.Session())
	}
	if err := j.Record(ctx, 2, changes()[:2]); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, 0, changes()[2:]); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := Replay(ctx, store, j.Session())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 2 || entries[0].Sequence != 1 || entries[1].Sequence != 2 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	first := entries[0]
	if first.Checkpoint != 2 || !first.CommittedAt.Equal(at) || first.Session != j.Session() {
		t.Fatalf("unexpected header %+v", first)
	}
	want := []Change{
		{
			Table:  "users",
			Key:    []domain.Value{domain.Int(3)},
			State:  "added",
			Values: domain.Record{"id": domain.Int(3), "name": domain.String("carol")},
		},
		{
			Table:   "users",
			Key:     []domain.Value{domain.Int(1)},
			State:   "modified",
			Changes: map[string]domain.FieldChange{"name": {Old: domain.String("alice"), New: domain.String("alicia")}},
		},
	}
	if diff := cmp.Diff(want, first.Changes, cmp.Comparer(func(a, b domain.Value) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}
	del := entries[1].Changes[0]
	if del.State != "deleted" || len(del.Key) != 2 || del.Values != nil {
		t.Fatalf("unexpected delete entry %+v", del)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	a, _ := New(store, WithSession("a"))
	b, _ := New(store, WithSession("b"))
	for _, j := range []*Journal{a, b, a} {
		if err := j.Record(ctx, 0, changes()[:1]); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	got, err := Replay(ctx, store, "a")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 entries for session a: %v %d", err, len(got))
	}
	sessions, err := Sessions(ctx, store)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, sessions); diff != "" {
		t.Fatalf("sessions mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFailureKeepsSequence(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	if _, err := store.Put(ctx, "journal/s/000001.json", bytes.NewBufferString("{}"), blob.PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	j, _ := New(store, WithSession("s"))
	if err := j.Record(ctx, 0, changes()); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Delete(ctx, "journal/s/000001.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := j.Record(ctx, 0, changes()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if entries, _ := Replay(ctx, store, "s"); len(entries) != 1 || entries[0].Sequence != 1 {
		t.Fatalf("expected retried entry to reuse sequence 1, got %+v", entries)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(blob.NewMemory(), WithSession("")); err == nil {
		t.Fatalf("expected error for empty session")
	}
}

func TestReplayS3Mock(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMockS3()
	j, _ := New(store, WithSession("s3"))
	if err := j.Record(ctx, 1, changes()[:1]); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := Replay(ctx, store, "s3")
	if err != nil || len(entries) != 1 || entries[0].Checkpoint != 1 {
		t.Fatalf("Replay: %v %+v", err, entries)
	}
}
