package uow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"uowcore/internal/blob"
	"uowcore/internal/infra/persistence/memory"
	"uowcore/internal/journal"
	"uowcore/internal/observability"
	"uowcore/pkg/domain"
	"uowcore/pkg/uow"
)

var (
	usersTable = domain.TableSchema{
		Name:       "users",
		PrimaryKey: []string{"id"},
		Columns: []domain.Column{
			{Name: "id", Kind: domain.KindInt},
			{Name: "username", Kind: domain.KindString},
		},
	}
	membersTable = domain.TableSchema{
		Name:       "members",
		PrimaryKey: []string{"org", "user_id"},
		Columns: []domain.Column{
			{Name: "org", Kind: domain.KindString},
			{Name: "user_id", Kind: domain.KindInt},
			{Name: "role", Kind: domain.KindString},
		},
	}
	testSchema = domain.MustSchema(usersTable, membersTable)
)

func user(id int64, name string) domain.Record {
	return domain.Record{"id": domain.Int(id), "username": domain.String(name)}
}

func byID(id int64) uow.Params { return uow.Params{"id": domain.Int(id)} }

func byIDs(ids ...int64) uow.Params {
	items := make([]domain.Value, len(ids))
	for i, id := range ids {
		items[i] = domain.Int(id)
	}
	return uow.Params{"id": domain.List(items...)}
}

func newSession(t *testing.T, opts ...uow.Option) (*uow.UnitOfWork, *memory.Store) {
	t.Helper()
	store := memory.NewStore(testSchema)
	if err := store.Seed(context.Background(), "users", user(1, "alice"), user(2, "carol"), user(3, "dave")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, err := uow.New(testSchema, store, opts...)
	if err != nil {
		t.Fatalf("uow.New: %v", err)
	}
	return u, store
}

func stored(t *testing.T, store *memory.Store, id int64) (domain.Record, bool) {
	t.Helper()
	var row domain.Record
	var ok bool
	err := store.View(context.Background(), func(v memory.View) error {
		row, ok = v.Find("users", domain.ScalarKey(domain.Int(id)))
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	return row, ok
}

func mustFind(t *testing.T, u *uow.UnitOfWork, id int64) *domain.Entity {
	t.Helper()
	e, err := u.MustRepository("users").Find(context.Background(), byID(id))
	if err != nil || e == nil {
		t.Fatalf("find %d: %v %v", id, e, err)
	}
	return e
}

func setName(t *testing.T, e *domain.Entity, name string) {
	t.Helper()
	if err := e.Set("username", domain.String(name)); err != nil {
		t.Fatalf("set username: %v", err)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := uow.New(testSchema, nil); err == nil {
		t.Fatalf("expected error for nil adapter")
	}
	if _, err := uow.New(domain.Schema{}, memory.NewStore(testSchema)); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	u, _ := newSession(t)
	if _, err := u.Repository("nope"); !errors.Is(err, domain.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}

func TestFullSaveClearsCheckpoints(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	e := mustFind(t, u, 1)
	a := u.SetCheckpoint()
	setName(t, e, "bob")
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "bob" {
		t.Fatalf("expected bob in storage, got %v", row)
	}
	if got := u.Stats(); got.PendingChanges != 0 || got.CheckpointCount != 0 {
		t.Fatalf("unexpected stats after save: %+v", got)
	}
	if res := u.Rollback(a); res.OK() || !strings.Contains(res.Error, "not found") {
		t.Fatalf("expected rollback to a cleared checkpoint to fail, got %+v", res)
	}
}

func TestSaveCheckpointPersistsOnlyEarlierInserts(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	users := u.MustRepository("users")
	if _, err := users.Create(user(100, "early")); err != nil {
		t.Fatalf("create 100: %v", err)
	}
	b := u.SetCheckpoint()
	if _, err := users.Create(user(101, "late")); err != nil {
		t.Fatalf("create 101: %v", err)
	}
	if err := u.SaveCheckpoint(ctx, b); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if _, ok := stored(t, store, 100); !ok {
		t.Fatalf("expected 100 in storage")
	}
	if _, ok := stored(t, store, 101); ok {
		t.Fatalf("101 was created after the checkpoint and must not be saved")
	}
	pending := u.PendingChanges()
	if len(pending) != 1 || pending[0].State != domain.StateAdded || pending[0].Key.String() != "101" {
		t.Fatalf("expected only 101 pending, got %+v", pending)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := stored(t, store, 101); !ok {
		t.Fatalf("expected 101 after full save")
	}
}

func TestSaveCheckpointPersistsOnlyEarlierDeletes(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	users := u.MustRepository("users")
	found, err := users.FindMany(ctx, byIDs(1, 2))
	if err != nil || len(found) != 2 {
		t.Fatalf("FindMany: %v %v", found, err)
	}
	if err := users.Delete(found[0]); err != nil {
		t.Fatalf("delete 1: %v", err)
	}
	c := u.SetCheckpoint()
	if err := users.Delete(found[1]); err != nil {
		t.Fatalf("delete 2: %v", err)
	}
	if err := u.SaveCheckpoint(ctx, c); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if _, ok := stored(t, store, 1); ok {
		t.Fatalf("expected 1 removed")
	}
	if _, ok := stored(t, store, 2); !ok {
		t.Fatalf("expected 2 still present")
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := stored(t, store, 2); ok {
		t.Fatalf("expected 2 removed by the full save")
	}
}

func TestRollbackBeforePersistedCheckpointFails(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	e := mustFind(t, u, 1)
	d := u.SetCheckpoint()
	setName(t, e, "b")
	cpE := u.SetCheckpoint()
	setName(t, e, "c")
	if err := u.SaveCheckpoint(ctx, cpE); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "b" {
		t.Fatalf("expected the checkpoint value in storage, got %v", row)
	}
	res := u.Rollback(d)
	if res.OK() || !strings.Contains(res.Error, "before the last persisted checkpoint") {
		t.Fatalf("expected ordering error, got %+v", res)
	}
	if !strings.Contains(res.Error, "checkpoint 1") || !strings.Contains(res.Error, "checkpoint 2") {
		t.Fatalf("error must name both ids: %s", res.Error)
	}
	if res := u.Rollback(cpE); !res.OK() {
		t.Fatalf("rollback to the persisted checkpoint: %s", res.Error)
	}
	if e.Get("username").String() != "b" {
		t.Fatalf("expected rollback to rewind the live entity, got %s", e.Get("username"))
	}
	if n := len(u.PendingChanges()); n != 0 {
		t.Fatalf("persisted checkpoint should have nothing pending, got %d", n)
	}
}

func TestCheckpointWindowAfterPartialSave(t *testing.T) {
	ctx := context.Background()
	u, _ := newSession(t)
	e := mustFind(t, u, 1)
	c1 := u.SetCheckpoint()
	setName(t, e, "one")
	c2 := u.SetCheckpoint()
	setName(t, e, "two")
	c3 := u.SetCheckpoint()
	if err := u.SaveCheckpoint(ctx, c2); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := u.SaveCheckpoint(ctx, c1); err == nil {
		t.Fatalf("persisting an earlier checkpoint must fail")
	} else {
		var order domain.CheckpointOrderError
		if !errors.As(err, &order) || order.Bound != domain.BoundLastPersisted {
			t.Fatalf("expected CheckpointOrderError, got %v", err)
		}
	}
	if res := u.Rollback(c1); res.OK() {
		t.Fatalf("expected rollback to c1 to fail")
	}
	if res := u.Rollback(c3); !res.OK() {
		t.Fatalf("rollback c3: %s", res.Error)
	}
	if res := u.Rollback(c2); !res.OK() {
		t.Fatalf("rollback c2: %s", res.Error)
	}
	if err := u.SaveCheckpoint(ctx, c3); err == nil {
		t.Fatalf("persisting after the last reverted checkpoint must fail")
	}
}

func TestRepeatedLoadsShareInstances(t *testing.T) {
	ctx := context.Background()
	u, _ := newSession(t)
	users := u.MustRepository("users")
	many, err := users.FindMany(ctx, byIDs(1, 2, 3))
	if err != nil || len(many) != 3 {
		t.Fatalf("FindMany: %v %v", many, err)
	}
	one := mustFind(t, u, 2)
	if many[1] != one {
		t.Fatalf("expected the same instance for id 2")
	}
	again, _ := users.FindMany(ctx, byIDs(3, 1))
	if again[0] != many[2] || again[1] != many[0] {
		t.Fatalf("FindMany must follow key order and reuse instances")
	}
	created, err := users.Create(user(50, "new"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := mustFind(t, u, 50); got != created {
		t.Fatalf("find after create must return the created instance")
	}
}

func TestWriteBackToOriginalClearsPending(t *testing.T) {
	u, _ := newSession(t)
	e := mustFind(t, u, 1)
	setName(t, e, "x")
	if n := u.Stats().PendingChanges; n != 1 {
		t.Fatalf("expected one pending change, got %d", n)
	}
	setName(t, e, "alice")
	if n := u.Stats().PendingChanges; n != 0 {
		t.Fatalf("expected no pending changes, got %d", n)
	}
}

func TestLookupBoundaries(t *testing.T) {
	ctx := context.Background()
	u, _ := newSession(t)
	users := u.MustRepository("users")

	missing, err := users.Find(ctx, byID(999))
	if err != nil || missing != nil {
		t.Fatalf("expected nil for a missing key, got %v %v", missing, err)
	}
	none, err := users.FindMany(ctx, byIDs(999, 1000))
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty slice, got %#v %v", none, err)
	}

	e := mustFind(t, u, 1)
	if err := users.Delete(e); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := users.Find(ctx, byID(1)); err != nil || got != nil {
		t.Fatalf("deleted entity must not be found, got %v %v", got, err)
	}
	if got, _ := users.FindMany(ctx, byIDs(1, 2)); len(got) != 1 || got[0].Get("id").String() != "2" {
		t.Fatalf("deleted entity must be skipped by FindMany, got %v", got)
	}
	if err := e.Set("username", domain.String("ghost")); !errors.Is(err, domain.ErrEntityDeleted) {
		t.Fatalf("expected ErrEntityDeleted, got %v", err)
	}
	if s, ok := u.State(e); !ok || s != domain.StateDeleted {
		t.Fatalf("tracking record must survive delete, got %s %v", s, ok)
	}

	stranger := domain.NewEntity("users", user(2, "carol"))
	if err := users.Delete(stranger); !errors.Is(err, domain.ErrUntrackedEntity) {
		t.Fatalf("expected ErrUntrackedEntity, got %v", err)
	}
	if err := users.Delete(nil); !errors.Is(err, domain.ErrUntrackedEntity) {
		t.Fatalf("expected ErrUntrackedEntity for nil, got %v", err)
	}
}

func TestMalformedQueries(t *testing.T) {
	ctx := context.Background()
	u, _ := newSession(t)
	users := u.MustRepository("users")
	cases := map[string]func() error{
		"two fields": func() error {
			_, err := users.Find(ctx, uow.Params{"id": domain.Int(1), "username": domain.String("a")})
			return err
		},
		"not the key": func() error {
			_, err := users.Find(ctx, uow.Params{"username": domain.String("a")})
			return err
		},
		"null key": func() error {
			_, err := users.Find(ctx, uow.Params{"id": domain.Null()})
			return err
		},
		"list to find": func() error {
			_, err := users.Find(ctx, byIDs(1, 2))
			return err
		},
		"scalar to find many": func() error {
			_, err := users.FindMany(ctx, byID(1))
			return err
		},
		"composite find": func() error {
			_, err := u.MustRepository("members").Find(ctx, uow.Params{"org": domain.String("a")})
			return err
		},
		"composite find many": func() error {
			_, err := u.MustRepository("members").FindMany(ctx, uow.Params{"org": domain.List(domain.String("a"))})
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, domain.ErrMalformedQuery) {
				t.Fatalf("expected ErrMalformedQuery, got %v", err)
			}
		})
	}
}

func TestFindByCompositeKey(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	member := domain.Record{"org": domain.String("acme"), "user_id": domain.Int(1), "role": domain.String("admin")}
	if err := store.Seed(ctx, "members", member); err != nil {
		t.Fatalf("seed: %v", err)
	}
	members := u.MustRepository("members")
	key := domain.CompositeKey(domain.String("acme"), domain.Int(1))
	e, err := members.FindByKey(ctx, key)
	if err != nil || e == nil {
		t.Fatalf("FindByKey: %v %v", e, err)
	}
	if again, _ := members.FindByKey(ctx, key); again != e {
		t.Fatalf("expected the same instance")
	}
	if _, err := members.FindByKey(ctx, domain.ScalarKey(domain.String("acme"))); !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for a short key, got %v", err)
	}
	if err := e.Set("role", domain.String("owner")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rows := store.Rows("members")
	if len(rows) != 1 || rows[0]["role"].String() != "owner" {
		t.Fatalf("unexpected members rows %v", rows)
	}
}

func TestCreateConflictsAndResurrection(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	users := u.MustRepository("users")
	e := mustFind(t, u, 1)
	if _, err := users.Create(user(1, "dup")); !errors.Is(err, domain.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	if _, err := users.Create(domain.Record{"username": domain.String("nokey")}); !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := users.Delete(e); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	again, err := users.Create(user(1, "again"))
	if err != nil {
		t.Fatalf("Create over a deleted identity: %v", err)
	}
	if got := mustFind(t, u, 1); got != again {
		t.Fatalf("expected the replacement instance")
	}
	pending := u.PendingChanges()
	if len(pending) != 1 || pending[0].State != domain.StateModified {
		t.Fatalf("expected a single update, got %+v", pending)
	}
	if diff := cmp.Diff([]string{"username"}, pending[0].ChangedFields()); diff != "" {
		t.Fatalf("changed fields mismatch (-want +got):\n%s", diff)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "again" {
		t.Fatalf("expected replacement saved as update, got %v", row)
	}
}

func TestSaveCheckpointReconcilesRecreatedInsert(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	users := u.MustRepository("users")
	first, err := users.Create(user(100, "x"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c := u.SetCheckpoint()
	if err := users.Delete(first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := users.Create(user(100, "y"))
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if err := u.SaveCheckpoint(ctx, c); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if row, _ := stored(t, store, 100); row["username"].String() != "x" {
		t.Fatalf("expected the checkpointed insert, got %v", row)
	}
	if s, _ := u.State(second); s != domain.StateModified {
		t.Fatalf("replacement must now update the stored row, got %s", s)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if row, _ := stored(t, store, 100); row["username"].String() != "y" {
		t.Fatalf("expected y after full save, got %v", row)
	}
}

func TestSaveCheckpointReconcilesRecreatedUpdate(t *testing.T) {
	ctx := context.Background()
	u, store := newSession(t)
	users := u.MustRepository("users")
	first := mustFind(t, u, 1)
	setName(t, first, "bob")
	c := u.SetCheckpoint()
	if err := users.Delete(first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	second, err := users.Create(user(1, "alice"))
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if err := u.SaveCheckpoint(ctx, c); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "bob" {
		t.Fatalf("expected the checkpointed update, got %v", row)
	}
	pending := u.PendingChanges()
	if len(pending) != 1 || pending[0].Entity != second || pending[0].Changes["username"].Old.String() != "bob" {
		t.Fatalf("expected replacement diffed against bob, got %+v", pending)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != second.Get("username").String() {
		t.Fatalf("storage %v diverges from live entity %v", row, second.Fields())
	}
}

func TestRollbackUntracksLaterEntities(t *testing.T) {
	ctx := context.Background()
	u, _ := newSession(t)
	users := u.MustRepository("users")
	mustFind(t, u, 1)
	a := u.SetCheckpoint()
	before := u.Stats()
	if _, err := users.Create(user(200, "temp")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustFind(t, u, 2)
	if res := u.Rollback(a); !res.OK() {
		t.Fatalf("Rollback: %s", res.Error)
	}
	if diff := cmp.Diff(before, u.Stats()); diff != "" {
		t.Fatalf("stats mismatch after rollback (-want +got):\n%s", diff)
	}
	if got, err := users.Find(ctx, byID(200)); err != nil || got != nil {
		t.Fatalf("rolled back create must not be found, got %v %v", got, err)
	}
	if res := u.Rollback(99); res.OK() || !strings.Contains(res.Error, "not found") {
		t.Fatalf("expected not found, got %+v", res)
	}
}

type toggleRule struct{ fail bool }

func (r *toggleRule) Name() string { return "toggle" }

func (r *toggleRule) Evaluate(context.Context, memory.View, []domain.ChangeSet) error {
	if r.fail {
		return errors.New("constraint violated")
	}
	return nil
}

func TestFailedSaveKeepsSessionForRetry(t *testing.T) {
	ctx := context.Background()
	rule := &toggleRule{fail: true}
	store := memory.NewStore(testSchema, memory.WithRules(rule))
	if err := store.Seed(ctx, "users", user(1, "alice")); err == nil {
		t.Fatalf("seed should be rejected while the rule fails")
	}
	rule.fail = false
	if err := store.Seed(ctx, "users", user(1, "alice")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, err := uow.New(testSchema, store)
	if err != nil {
		t.Fatalf("uow.New: %v", err)
	}
	e := mustFind(t, u, 1)
	setName(t, e, "bob")
	if _, err := u.MustRepository("users").Create(user(7, "new")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cp := u.SetCheckpoint()
	before := u.Stats()

	rule.fail = true
	err = u.Save(ctx)
	var storageErr domain.StorageError
	if !errors.As(err, &storageErr) || !strings.HasPrefix(err.Error(), "save changes: ") {
		t.Fatalf("expected StorageError, got %v", err)
	}
	var violation memory.RuleViolationError
	if !errors.As(err, &violation) || violation.Rule != "toggle" {
		t.Fatalf("expected the adapter error to be wrapped, got %v", err)
	}
	if diff := cmp.Diff(before, u.Stats()); diff != "" {
		t.Fatalf("stats changed by a failed save (-want +got):\n%s", diff)
	}
	if err := u.SaveCheckpoint(ctx, cp); err == nil {
		t.Fatalf("expected checkpoint save to fail too")
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "alice" {
		t.Fatalf("failed save must not reach storage, got %v", row)
	}

	rule.fail = false
	if err := u.Save(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if row, _ := stored(t, store, 1); row["username"].String() != "bob" {
		t.Fatalf("expected bob after retry, got %v", row)
	}
	if _, ok := stored(t, store, 7); !ok {
		t.Fatalf("expected 7 after retry")
	}
}

func TestClearResetsSession(t *testing.T) {
	u, _ := newSession(t)
	e := mustFind(t, u, 1)
	setName(t, e, "x")
	u.SetCheckpoint()
	u.SetCheckpoint()
	u.Clear()
	if diff := cmp.Diff(domain.Stats{}, u.Stats()); diff != "" {
		t.Fatalf("stats after clear (-want +got):\n%s", diff)
	}
	if id := u.SetCheckpoint(); id != 1 {
		t.Fatalf("checkpoint ids must restart at 1, got %d", id)
	}
	if again := mustFind(t, u, 1); again == e {
		t.Fatalf("clear must drop cached instances")
	}
}

func TestCheckpointRingEvictsOldest(t *testing.T) {
	u, _ := newSession(t)
	for i := 0; i < 51; i++ {
		u.SetCheckpoint()
	}
	if n := u.Stats().CheckpointCount; n != 50 {
		t.Fatalf("expected 50 checkpoints, got %d", n)
	}
	if res := u.Rollback(1); res.OK() || !strings.Contains(res.Error, "not found") {
		t.Fatalf("expected checkpoint 1 evicted, got %+v", res)
	}
	if res := u.Rollback(2); !res.OK() {
		t.Fatalf("rollback 2: %s", res.Error)
	}

	small, _ := newSession(t, uow.WithCheckpointLimit(2))
	for i := 0; i < 3; i++ {
		small.SetCheckpoint()
	}
	if n := small.Stats().CheckpointCount; n != 2 {
		t.Fatalf("expected custom limit to apply, got %d", n)
	}
}

type countingStore struct {
	*memory.Store
	loads   int
	fetched [][]string
}

func (c *countingStore) Load(ctx context.Context, table domain.TableSchema, keys []domain.PrimaryKey) ([]domain.Record, error) {
	c.loads++
	batch := make([]string, len(keys))
	for i, k := range keys {
		batch[i] = k.String()
	}
	c.fetched = append(c.fetched, batch)
	return c.Store.Load(ctx, table, keys)
}

func TestFindManyFetchesOnlyIdentityMapMisses(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore(testSchema)}
	if err := store.Seed(ctx, "users", user(1, "alice"), user(2, "carol"), user(3, "dave")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, err := uow.New(testSchema, store)
	if err != nil {
		t.Fatalf("uow.New: %v", err)
	}
	users := u.MustRepository("users")
	two := mustFind(t, u, 2)
	many, err := users.FindMany(ctx, byIDs(3, 2, 1, 3))
	if err != nil || len(many) != 3 {
		t.Fatalf("FindMany: %v %v", many, err)
	}
	if many[1] != two || many[0].Get("id").String() != "3" || many[2].Get("id").String() != "1" {
		t.Fatalf("unexpected order or instances: %v %v %v", many[0].Fields(), many[1].Fields(), many[2].Fields())
	}
	if diff := cmp.Diff([][]string{{"2"}, {"3", "1"}}, store.fetched); diff != "" {
		t.Fatalf("fetched batches mismatch (-want +got):\n%s", diff)
	}
	if _, err := users.FindMany(ctx, byIDs(1, 2, 3)); err != nil || store.loads != 2 {
		t.Fatalf("fully mapped lookup must not hit storage: loads=%d err=%v", store.loads, err)
	}
}

func TestQueryCacheServesRepeatedLookups(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.NewStore(testSchema)}
	if err := store.Seed(ctx, "users", user(1, "alice")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	u, err := uow.New(testSchema, store, uow.WithQueryCache(16, time.Minute))
	if err != nil {
		t.Fatalf("uow.New: %v", err)
	}
	users := u.MustRepository("users")
	for i := 0; i < 2; i++ {
		if got, _ := users.Find(ctx, byID(999)); got != nil {
			t.Fatalf("expected miss")
		}
	}
	if store.loads != 1 {
		t.Fatalf("expected cached miss, got %d loads", store.loads)
	}
	first := mustFind(t, u, 1)
	u.Clear()
	second := mustFind(t, u, 1)
	if store.loads != 3 {
		t.Fatalf("clear must purge the cache, got %d loads", store.loads)
	}
	if first == second {
		t.Fatalf("expected a fresh instance after clear")
	}
	setName(t, second, "changed")
	if first.Get("username").String() != "alice" {
		t.Fatalf("cached rows must not alias live entities")
	}
}

func TestJournalRecordsCommittedBatches(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	j, err := journal.New(store, journal.WithSession("s1"))
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	u, _ := newSession(t, uow.WithJournal(j))
	users := u.MustRepository("users")
	if _, err := users.Create(user(10, "ten")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cp := u.SetCheckpoint()
	setName(t, mustFind(t, u, 1), "renamed")
	if err := u.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := u.Save(ctx); err != nil {
		t.Fatalf("empty Save: %v", err)
	}
	entries, err := journal.Replay(ctx, store, "s1")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].Checkpoint != cp || entries[0].Changes[0].State != "added" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Checkpoint != 0 || entries[1].Changes[0].State != "modified" {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}
}

func TestTracerSeesStorageOperations(t *testing.T) {
	ctx := context.Background()
	tracer := observability.NewJSONTracer(nil)
	u, _ := newSession(t, uow.WithTracer(tracer))
	mustFind(t, u, 1)
	u.Rollback(5)
	if err := u.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var ops []string
	for _, e := range tracer.Entries() {
		ops = append(ops, e.Operation+":"+e.Status)
	}
	want := []string{"load:success", "rollback:error", "save:success"}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("span mismatch (-want +got):\n%s", diff)
	}
}
