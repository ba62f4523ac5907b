package proxy

import (
	"errors"
	"testing"

	"uowcore/internal/identity"
	"uowcore/internal/tracker"
	"uowcore/pkg/domain"
)

type keys struct{}

func (keys) ExtractPrimaryKey(table domain.TableSchema, fields domain.Record) (domain.PrimaryKey, error) {
	return domain.KeyFromRecord(table, fields)
}

var users = domain.TableSchema{
	Name:       "users",
	PrimaryKey: []string{"id"},
	Columns:    []domain.Column{{Name: "id", Kind: domain.KindInt}, {Name: "name", Kind: domain.KindString}},
}

func setup() (*Manager, *tracker.Tracker, *identity.Map) {
	tr := tracker.New(keys{})
	ids := identity.New()
	return New(tr, ids, keys{}), tr, ids
}

func row(id int64, name string) domain.Record {
	return domain.Record{"id": domain.Int(id), "name": domain.String(name)}
}

func TestWrapResultsTracksAndRegisters(t *testing.T) {
	m, tr, ids := setup()
	got, err := m.WrapResults(users, []domain.Record{row(1, "a"), row(2, "b")})
	if err != nil || len(got) != 2 {
		t.Fatalf("WrapResults: %v %v", got, err)
	}
	if s, ok := tr.State(got[0]); !ok || s != domain.StateUnchanged {
		t.Fatalf("expected unchanged, got %s %v", s, ok)
	}
	if e, _ := ids.Get("users", domain.ScalarKey(domain.Int(2))); e != got[1] {
		t.Fatalf("expected registration in identity map")
	}
	again, _ := m.WrapResults(users, []domain.Record{row(2, "stale")})
	if again[0] != got[1] || got[1].Get("name").String() != "b" {
		t.Fatalf("known identity must resolve to the live instance untouched")
	}
	if !m.IsIntercepted(got[0]) || m.Len() != 2 {
		t.Fatalf("expected two intercepted entities")
	}
	if _, err := m.WrapResults(users, []domain.Record{{"name": domain.String("nokey")}}); err == nil {
		t.Fatalf("expected key extraction error")
	}
}

func TestObserverDrivesTracker(t *testing.T) {
	m, tr, _ := setup()
	rows, _ := m.WrapResults(users, []domain.Record{row(1, "a")})
	e := rows[0]
	if err := e.Set("name", domain.String("a")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s, _ := tr.State(e); s != domain.StateUnchanged {
		t.Fatalf("same-value write must not dirty the entity, got %s", s)
	}
	if err := e.Set("name", domain.String("b")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if s, _ := tr.State(e); s != domain.StateModified {
		t.Fatalf("expected modified, got %s", s)
	}
	if err := e.Node("tags").Set(domain.List(domain.String("x"))); err != nil {
		t.Fatalf("nested Set: %v", err)
	}
	cs := tr.ComputeChangeSets()
	if len(cs) != 1 || len(cs[0].Changes) != 2 {
		t.Fatalf("expected name and tags changes, got %+v", cs)
	}
	_ = tr.MarkDeleted(e)
	if err := e.Set("name", domain.String("c")); !errors.Is(err, domain.ErrEntityDeleted) {
		t.Fatalf("expected ErrEntityDeleted, got %v", err)
	}
	if e.Get("name").String() != "b" {
		t.Fatalf("rejected write must not apply")
	}
}

func TestWrapResultsSkipsDeletedIdentity(t *testing.T) {
	m, tr, ids := setup()
	rows, _ := m.WrapResults(users, []domain.Record{row(1, "a")})
	_ = tr.MarkDeleted(rows[0])
	ids.RemoveEntity("users", rows[0])
	got, err := m.WrapResults(users, []domain.Record{row(1, "a")})
	if err != nil || len(got) != 0 {
		t.Fatalf("deleted identity must not be resurrected by a load: %v %v", got, err)
	}
}

func TestInterceptNewAndIdempotence(t *testing.T) {
	m, tr, _ := setup()
	e, err := m.InterceptNew(users, row(5, "n"))
	if err != nil {
		t.Fatalf("InterceptNew: %v", err)
	}
	if s, _ := tr.State(e); s != domain.StateAdded {
		t.Fatalf("expected added, got %s", s)
	}
	if m.Intercept(e) != e || m.Len() != 1 {
		t.Fatalf("Intercept must be idempotent")
	}
	if _, err := m.InterceptNew(users, domain.Record{"name": domain.String("x")}); err == nil || m.Len() != 1 {
		t.Fatalf("failed InterceptNew must not leave an intercepted entity")
	}
	m.Clear()
	if m.Len() != 0 || m.IsIntercepted(e) {
		t.Fatalf("expected cleared cache")
	}
	if err := e.Set("name", domain.String("after")); err != nil {
		t.Fatalf("write after clear: %v", err)
	}
}
