package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/recette/dbopen"
	"github.com/hazyhaar/recette/ingest/internal/model"
)

func sqliteStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(NewSQLiteDocs(db), NewSQLiteBlobs(db))
}

// docStoreContract runs against every DocStore implementation.
func docStoreContract(t *testing.T, docs DocStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := docs.Get(ctx, "a/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing get: %v", err)
	}
	v, err := docs.CompareAndSwap(ctx, "a/1", 0, []byte(`one`))
	if err != nil || v != 1 {
		t.Fatalf("create: v=%d err=%v", v, err)
	}
	// WHAT: creating an existing key loses.
	if _, err := docs.CompareAndSwap(ctx, "a/1", 0, []byte(`dup`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("duplicate create: %v", err)
	}
	v, err = docs.CompareAndSwap(ctx, "a/1", 1, []byte(`two`))
	if err != nil || v != 2 {
		t.Fatalf("update: v=%d err=%v", v, err)
	}
	// WHAT: a stale version loses and leaves the document untouched.
	if _, err := docs.CompareAndSwap(ctx, "a/1", 1, []byte(`stale`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale update: %v", err)
	}
	d, err := docs.Get(ctx, "a/1")
	if err != nil || string(d.Value) != "two" || d.Version != 2 {
		t.Fatalf("get = %+v, %v", d, err)
	}
	if _, err := docs.CompareAndSwap(ctx, "a/missing", 3, []byte(`x`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}

	if _, err := docs.CompareAndSwap(ctx, "a/2", 0, []byte(`b`)); err != nil {
		t.Fatal(err)
	}
	if _, err := docs.CompareAndSwap(ctx, "b/1", 0, []byte(`c`)); err != nil {
		t.Fatal(err)
	}
	list, err := docs.List(ctx, "a/")
	if err != nil || len(list) != 2 || list[0].Key != "a/1" || list[1].Key != "a/2" {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestSQLiteDocs(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	docStoreContract(t, NewSQLiteDocs(db))
}

func TestSQLiteDocs_ConcurrentCAS(t *testing.T) {
	// WHAT: of many writers racing on one version, exactly one wins.
	// WHY: commit relies on this instead of a process lock.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	docs := NewSQLiteDocs(db)
	ctx := context.Background()
	if _, err := docs.CompareAndSwap(ctx, "k", 0, []byte(`v0`)); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := docs.CompareAndSwap(ctx, "k", 1, []byte(`w`)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrVersionMismatch) {
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d", wins.Load())
	}
}

func TestRedisDocs(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ns := "recette-test:" + time.Now().Format("150405.000000") + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, ns+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	docStoreContract(t, NewRedisDocs(client, ns))
}

func TestSQLiteBlobs(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	ref, err := PutArtifact(ctx, s.Blobs, "snapshot.txt", "text/markdown", []byte("# Tart"))
	if err != nil {
		t.Fatal(err)
	}
	if ref.Locator != Locator([]byte("# Tart")) || ref.Size != 6 || ref.Name != "snapshot.txt" {
		t.Fatalf("ref = %+v", ref)
	}
	again, _ := s.Blobs.Put(ctx, []byte("# Tart"), "text/plain")
	if again != ref.Locator {
		t.Fatal("same bytes, different locator")
	}
	got, err := s.Blobs.Get(ctx, ref.Locator)
	if err != nil || string(got) != "# Tart" {
		t.Fatalf("get = %q, %v", got, err)
	}
	if _, err := s.Blobs.Get(ctx, Locator([]byte("other"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing blob: %v", err)
	}
	if _, err := s.Blobs.Get(ctx, "md5:abc"); err == nil {
		t.Fatal("bad locator accepted")
	}
}

func TestTasks(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()
	task := &model.IngestTask{ID: "t1", Mode: model.ModeURL, URL: "https://a.example/r"}
	st := model.NewTaskState(task, time.Unix(100, 0))

	if err := s.Tasks.Create(ctx, task, st); err != nil {
		t.Fatal(err)
	}
	if st.Version != 1 {
		t.Fatalf("version = %d", st.Version)
	}
	if err := s.Tasks.Create(ctx, task, model.NewTaskState(task, time.Now())); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("duplicate task: %v", err)
	}

	got, err := s.Tasks.Task(ctx, "t1")
	if err != nil || got.URL != task.URL {
		t.Fatalf("task = %+v, %v", got, err)
	}

	// Two readers of the same version: the second write is a conflict.
	a, _ := s.Tasks.State(ctx, "t1")
	b, _ := s.Tasks.State(ctx, "t1")
	a.Status = model.StatusRunning
	if err := s.Tasks.SaveState(ctx, a); err != nil || a.Version != 2 {
		t.Fatalf("save a: v=%d err=%v", a.Version, err)
	}
	b.Status = model.StatusCancelled
	if err := s.Tasks.SaveState(ctx, b); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("save b: %v", err)
	}
	cur, _ := s.Tasks.State(ctx, "t1")
	if cur.Status != model.StatusRunning || cur.Version != 2 {
		t.Fatalf("state = %+v", cur)
	}

	all, err := s.Tasks.States(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("states = %v, %v", all, err)
	}
}

func TestRecipes(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	if _, _, err := s.Recipes.Get(ctx, "rcp_x"); model.CodeOf(err) != model.CodeRecipeNotFound || !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing recipe: %v", err)
	}
	rec := &model.Recipe{ID: "rcp_1", Name: "Tart"}
	v, err := s.Recipes.Put(ctx, rec, 0)
	if err != nil || v != 1 {
		t.Fatalf("put: %d %v", v, err)
	}
	if _, err := s.Recipes.Put(ctx, rec, 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("second create: %v", err)
	}
	rec.Name = "Lemon tart"
	if v, err = s.Recipes.Put(ctx, rec, 1); err != nil || v != 2 {
		t.Fatalf("update: %d %v", v, err)
	}
	got, ver, err := s.Recipes.Get(ctx, "rcp_1")
	if err != nil || got.Name != "Lemon tart" || ver != 2 {
		t.Fatalf("get = %+v v=%d err=%v", got, ver, err)
	}
	list, _ := s.Recipes.List(ctx)
	if len(list) != 1 {
		t.Fatalf("list = %d", len(list))
	}
}
