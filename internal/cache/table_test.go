package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type item struct {
	ID   string
	Name string
	Pos  int
}

func (i item) Key() string            { return i.ID }
func (i item) WithID(id string) item { i.ID = id; return i }

func byPos(a, b item) bool { return a.Pos < b.Pos }

func newTestTable(t *testing.T, less func(a, b item) bool, seed ...item) *Table[item] {
	t.Helper()
	tbl := New[item]("items", Options[item]{Less: less})
	tbl.ReplaceAll(seed)
	return tbl
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestTable_AddIsVisibleImmediately(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})

	var seen [][]item
	unsub := tbl.Subscribe(func(s []item) { seen = append(seen, s) })
	defer unsub()

	id := NewLocalID()
	if _, ok := tbl.Add(item{ID: id, Name: "new"}); !ok {
		t.Fatal("Add() reported duplicate")
	}
	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"a", id}) {
		t.Errorf("GetAll() = %v", got)
	}
	if len(seen) != 1 || len(seen[0]) != 2 {
		t.Errorf("subscribers saw %v", seen)
	}
	if !tbl.IsPending(id) {
		t.Error("local insert should be pending")
	}
	if _, ok := tbl.Add(item{ID: id}); ok {
		t.Error("second Add() with the same id should be rejected")
	}
}

func TestTable_RollbackRestoresSnapshot(t *testing.T) {
	seed := []item{{ID: "a", Name: "A", Pos: 0}, {ID: "b", Name: "B", Pos: 1}, {ID: "c", Name: "C", Pos: 2}}

	tests := []struct {
		name   string
		mutate func(tbl *Table[item]) []Undo[item]
	}{
		{"add", func(tbl *Table[item]) []Undo[item] {
			u, _ := tbl.Add(item{ID: NewLocalID(), Name: "D", Pos: 3})
			return []Undo[item]{u}
		}},
		{"update", func(tbl *Table[item]) []Undo[item] {
			u, _ := tbl.Update("b", func(v item) item { v.Name = "changed"; return v })
			return []Undo[item]{u}
		}},
		{"remove middle", func(tbl *Table[item]) []Undo[item] {
			u, _ := tbl.Remove("b")
			return []Undo[item]{u}
		}},
		{"update many", func(tbl *Table[item]) []Undo[item] {
			return tbl.UpdateMany([]string{"c", "a"}, func(i int, v item) item { v.Name = "x"; return v })
		}},
		{"remove where", func(tbl *Table[item]) []Undo[item] {
			return tbl.RemoveWhere(func(v item) bool { return v.ID != "b" })
		}},
	}

	for _, less := range []func(a, b item) bool{nil, byPos} {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tbl := newTestTable(t, less, seed...)
				before := tbl.GetAll()

				undos := tt.mutate(tbl)
				if cmp.Equal(before, tbl.GetAll()) {
					t.Fatal("mutation had no visible effect")
				}
				tbl.Rollback(undos...)

				if diff := cmp.Diff(before, tbl.GetAll()); diff != "" {
					t.Errorf("snapshot after rollback mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestTable_RollbackIsPerEntity(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a", Name: "A"}, item{ID: "b", Name: "B"})

	ua, _ := tbl.Update("a", func(v item) item { v.Name = "A2"; return v })
	tbl.Update("b", func(v item) item { v.Name = "B2"; return v })
	tbl.Rollback(ua)

	want := []item{{ID: "a", Name: "A"}, {ID: "b", Name: "B2"}}
	if diff := cmp.Diff(want, tbl.GetAll()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTable_UpdateAfterRemoveIsNoop(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})
	tbl.Remove("a")

	if _, ok := tbl.Update("a", func(v item) item { v.Name = "ghost"; return v }); ok {
		t.Error("Update() on a removed entity should report false")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestTable_RollbackUpdateAfterRemoveKeepsRemoval(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})
	u, _ := tbl.Update("a", func(v item) item { v.Name = "x"; return v })
	tbl.Remove("a")
	tbl.Rollback(u)

	if tbl.Len() != 0 {
		t.Error("rolling back an update must not resurrect a deleted entity")
	}
}

func TestTable_Reconcile(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})
	local := NewLocalID()
	tbl.Add(item{ID: local, Name: "new"})
	before, _ := tbl.Handle(local)

	var events []Reconciled
	tbl.OnReconcile(func(r Reconciled) { events = append(events, r) })

	if err := tbl.Reconcile(local, "srv-1"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	for _, v := range tbl.GetAll() {
		if v.ID == local {
			t.Errorf("local id still present: %v", tbl.GetAll())
		}
	}
	after, ok := tbl.Handle("srv-1")
	if !ok || after != before {
		t.Errorf("handle changed across reconcile: %d -> %d", before, after)
	}
	if got, ok := tbl.Get(local); !ok || got.ID != "srv-1" {
		t.Errorf("Get(local) = %v, %v; want aliased server entity", got, ok)
	}
	if tbl.IsPending("srv-1") {
		t.Error("reconciled entity should not be pending")
	}
	if !cmp.Equal(events, []Reconciled{{LocalID: local, ServerID: "srv-1"}}) {
		t.Errorf("OnReconcile events = %v", events)
	}
	if err := tbl.Reconcile("local-missing", "x"); !errors.Is(err, ErrUnknownID) {
		t.Errorf("Reconcile(unknown) error = %v, want ErrUnknownID", err)
	}
}

func TestTable_ReconcileAfterServerCopyArrived(t *testing.T) {
	tbl := newTestTable(t, nil)
	local := NewLocalID()
	tbl.Add(item{ID: local, Name: "new"})

	if !tbl.MergeInsert(item{ID: "srv-1", Name: "new"}) {
		t.Fatal("MergeInsert() of unseen id should insert")
	}
	if err := tbl.Reconcile(local, "srv-1"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"srv-1"}) {
		t.Errorf("GetAll() = %v, want exactly one copy", got)
	}
}

func TestTable_MergeInsertIsIdempotent(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})

	tbl.MergeInsert(item{ID: "b"})
	n := tbl.Len()
	for i := 0; i < 3; i++ {
		if tbl.MergeInsert(item{ID: "b", Name: "dup"}) {
			t.Error("MergeInsert() of a known id should be ignored")
		}
	}
	if tbl.Len() != n {
		t.Errorf("Len() = %d, want %d", tbl.Len(), n)
	}
	if got, _ := tbl.Get("b"); got.Name != "" {
		t.Errorf("duplicate insert overwrote existing row: %+v", got)
	}
}

func TestTable_ResolveWaitsForReconcile(t *testing.T) {
	tbl := newTestTable(t, nil)
	local := NewLocalID()
	tbl.Add(item{ID: local})

	done := make(chan string, 1)
	go func() {
		id, err := tbl.Resolve(context.Background(), local)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- id
	}()

	select {
	case got := <-done:
		t.Fatalf("Resolve() returned %q before reconcile", got)
	case <-time.After(20 * time.Millisecond):
	}

	tbl.Reconcile(local, "srv-9")
	select {
	case got := <-done:
		if got != "srv-9" {
			t.Errorf("Resolve() = %q, want srv-9", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Resolve() did not return after reconcile")
	}
}

func TestTable_ResolveFailsAfterRollback(t *testing.T) {
	tbl := newTestTable(t, nil)
	local := NewLocalID()
	u, _ := tbl.Add(item{ID: local})

	errc := make(chan error, 1)
	go func() {
		_, err := tbl.Resolve(context.Background(), local)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	tbl.Rollback(u)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrUnknownID) {
			t.Errorf("Resolve() error = %v, want ErrUnknownID", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Resolve() still blocked after rollback")
	}
}

func TestTable_ResolveHonorsContext(t *testing.T) {
	tbl := newTestTable(t, nil)
	local := NewLocalID()
	tbl.Add(item{ID: local})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tbl.Resolve(ctx, local); !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestTable_ReplaceAllKeepsPending(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"}, item{ID: "b"})
	local := NewLocalID()
	tbl.Add(item{ID: local})

	tbl.ReplaceAll([]item{{ID: "c"}, {ID: "a", Name: "fresh"}})

	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"c", "a", local}) {
		t.Errorf("GetAll() = %v", got)
	}
	if got, _ := tbl.Get("a"); got.Name != "fresh" {
		t.Errorf("server row not applied: %+v", got)
	}
	if !tbl.Loaded() {
		t.Error("Loaded() = false after ReplaceAll")
	}
}

func TestTable_SortedOrder(t *testing.T) {
	tbl := newTestTable(t, byPos, item{ID: "c", Pos: 2}, item{ID: "a", Pos: 0}, item{ID: "b", Pos: 1})

	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("GetAll() = %v", got)
	}

	newPos := map[string]int{"c": 0, "a": 1, "b": 2}
	tbl.UpdateMany([]string{"a", "b", "c"}, func(_ int, v item) item { v.Pos = newPos[v.ID]; return v })
	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"c", "a", "b"}) {
		t.Errorf("after reorder GetAll() = %v", got)
	}
}

func TestTable_ResetDropsEverything(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})
	tbl.Add(item{ID: NewLocalID()})
	tbl.Reset()

	if tbl.Len() != 0 || tbl.Loaded() {
		t.Errorf("Reset() left Len=%d Loaded=%v", tbl.Len(), tbl.Loaded())
	}
}

func TestTable_EmitOrderMatchesMutationOrder(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "counter"})

	var mu sync.Mutex
	var seen []int
	tbl.Subscribe(func(s []item) {
		mu.Lock()
		seen = append(seen, s[0].Pos)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Update("counter", func(v item) item { v.Pos++; return v })
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("saw %d snapshots, want 50", len(seen))
	}
	for i, pos := range seen {
		if pos != i+1 {
			t.Fatalf("snapshot %d has Pos %d; notifications were reordered: %v", i, pos, seen)
		}
	}
}

func TestIsLocalID(t *testing.T) {
	if !IsLocalID(NewLocalID()) {
		t.Error("NewLocalID() should be recognized as local")
	}
	if IsLocalID("0192f3c4-aaaa") {
		t.Error("server ids are not local")
	}
	if NewLocalID() == NewLocalID() {
		t.Error("local ids must not collide")
	}
}

func TestTable_ExpectedServerIDResolvesToPending(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})
	local := NewLocalID()
	tbl.Add(item{ID: local, Name: "new"})
	if !tbl.Expect(local, "srv-1") {
		t.Fatal("Expect() on a pending entity failed")
	}
	if tbl.Expect("a", "srv-2") {
		t.Error("Expect() on a confirmed entity should fail")
	}

	var sizes []int
	unsub := tbl.Subscribe(func(s []item) { sizes = append(sizes, len(s)) })
	defer unsub()

	if tbl.MergeInsert(item{ID: "srv-1", Name: "echo"}) {
		t.Error("echo of the pending insert was added beside it")
	}
	if got, ok := tbl.Get("srv-1"); !ok || got.ID != local {
		t.Errorf("Get(server id) = %v, %v; want the pending entity", got, ok)
	}
	tbl.ReplaceAll([]item{{ID: "a"}, {ID: "srv-1", Name: "fetched"}})
	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"a", local}) {
		t.Errorf("after refetch GetAll() = %v", got)
	}

	if err := tbl.Reconcile(local, "srv-1"); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := ids(tbl.GetAll()); !cmp.Equal(got, []string{"a", "srv-1"}) {
		t.Errorf("after reconcile GetAll() = %v", got)
	}
	for i, n := range sizes {
		if n != 2 {
			t.Errorf("snapshot %d has %d entities, want 2", i, n)
		}
	}
}

func TestTable_RemovedPendingForgetsExpectedID(t *testing.T) {
	tbl := newTestTable(t, nil)
	local := NewLocalID()
	tbl.Add(item{ID: local})
	tbl.Expect(local, "srv-1")

	u, _ := tbl.Remove(local)
	if !u.WasPending() {
		t.Error("Undo.WasPending() = false for a pending entity")
	}
	if tbl.Has("srv-1") {
		t.Error("expected id still resolves after remove")
	}

	tbl.Rollback(u)
	if got, ok := tbl.Get("srv-1"); !ok || got.ID != local {
		t.Errorf("rollback did not restore the expected id: %v, %v", got, ok)
	}
	if !tbl.IsPending(local) {
		t.Error("restored entity should be pending again")
	}

	tbl.Reset()
	if tbl.Has("srv-1") {
		t.Error("expected id survived Reset")
	}
}

func TestTable_ListenerMayMutate(t *testing.T) {
	tbl := newTestTable(t, nil, item{ID: "a"})

	var seen []string
	tbl.Subscribe(func(s []item) {
		seen = append(seen, s[0].Name)
		if s[0].Name == "first" {
			tbl.Update("a", func(v item) item { v.Name = "second"; return v })
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		tbl.Update("a", func(v item) item { v.Name = "first"; return v })
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update from inside a listener deadlocked")
	}

	if diff := cmp.Diff([]string{"first", "second"}, seen); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
	if got, _ := tbl.Get("a"); got.Name != "second" {
		t.Errorf("Get() = %+v", got)
	}
}
