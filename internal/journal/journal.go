// Package journal writes every committed save batch to a blob store as a
// JSON document, one object per batch, keyed journal/<session>/<seq>.json.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"uowcore/internal/blob"
	"uowcore/pkg/domain"
)

const prefix = "journal/"

// Change is the journaled form of one changeset.
type Change struct {
	Table   string                        `json:"table"`
	Key     []domain.Value                `json:"key"`
	State   string                        `json:"state"`
	Values  domain.Record                 `json:"values,omitempty"`
	Changes map[string]domain.FieldChange `json:"changes,omitempty"`
}

// Entry is one committed batch.
type Entry struct {
	Session     string    `json:"session"`
	Sequence    int       `json:"sequence"`
	Checkpoint  int       `json:"checkpoint"`
	CommittedAt time.Time `json:"committed_at"`
	Changes     []Change  `json:"changes"`
}

// Journal appends entries for a single session.
type Journal struct {
	store   blob.Store
	session string
	now     func() time.Time

	mu  sync.Mutex
	seq int
}

// Option configures a Journal.
type Option func(*Journal)

// WithSession fixes the session id instead of generating one.
func WithSession(id string) Option { return func(j *Journal) { j.session = id } }

// WithClock overrides the commit timestamp source.
func WithClock(now func() time.Time) Option { return func(j *Journal) { j.now = now } }

// New returns a journal writing to store under a fresh session id.
func New(store blob.Store, opts ...Option) (*Journal, error) {
	if store == nil {
		return nil, errors.New("journal requires a blob store")
	}
	j := &Journal{store: store, session: uuid.NewString(), now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if j.session == "" {
		return nil, errors.New("journal session id must not be empty")
	}
	return j, nil
}

// Session returns the session id entries are written under.
func (j *Journal) Session() string { return j.session }

// Record writes one entry for changes committed by a save. checkpoint is the
// persisted checkpoint id, 0 for a full save.
func (j *Journal) Record(ctx context.Context, checkpoint int, changes []domain.ChangeSet) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		Session:     j.session,
		Sequence:    j.seq + 1,
		Checkpoint:  checkpoint,
		CommittedAt: j.now().UTC(),
		Changes:     make([]Change, 0, len(changes)),
	}
	for _, cs := range changes {
		c := Change{Table: cs.Table, Key: cs.Key.Parts(), State: cs.State.String()}
		switch cs.State {
		case domain.StateAdded:
			c.Values = cs.Values
		case domain.StateModified:
			c.Changes = cs.Changes
		}
		entry.Changes = append(entry.Changes, c)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	_, err = j.store.Put(ctx, key(j.session, entry.Sequence), bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"session": j.session, "checkpoint": strconv.Itoa(checkpoint)},
	})
	if err != nil {
		return fmt.Errorf("write journal entry %d: %w", entry.Sequence, err)
	}
	j.seq = entry.Sequence
	return nil
}

func key(session string, seq int) string {
	return fmt.Sprintf("%s%s/%06d.json", prefix, session, seq)
}

// Replay reads back every entry of session in sequence order.
func Replay(ctx context.Context, store blob.Store, session string) ([]Entry, error) {
	infos, err := store.List(ctx, prefix+session+"/")
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entry, err := read(ctx, store, info.Key)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, k int) bool { return entries[i].Sequence < entries[k].Sequence })
	return entries, nil
}

// Sessions lists the session ids present in store.
func Sessions(ctx context.Context, store blob.Store) ([]string, error) {
	infos, err := store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, info := range infos {
		rest := info.Key[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				rest = rest[:i]
				break
			}
		}
		if _, ok := seen[rest]; ok {
			continue
		}
		seen[rest] = struct{}{}
		out = append(out, rest)
	}
	sort.Strings(out)
	return out, nil
}

func read(ctx context.Context, store blob.Store, k string) (Entry, error) {
	_, rc, err := store.Get(ctx, k)
	if err != nil {
		return Entry{}, fmt.Errorf("read journal entry %s: %w", k, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Entry{}, fmt.Errorf("read journal entry %s: %w", k, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode journal entry %s: %w", k, err)
	}
	return entry, nil
}
