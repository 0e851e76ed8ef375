package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/palaver/pkg/types"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "palaver.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreSaveLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	snap := Snapshot{
		ID:           "c1",
		Messages:     []types.Message{msg(types.RoleSystem, 10, 0), msg(types.RoleUser, 4, 1)},
		TotalTokens:  14,
		CreatedAt:    base,
		LastActiveAt: base.Add(time.Second),
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.ID != snap.ID || got.TotalTokens != 14 || len(got.Messages) != 2 {
		t.Fatalf("Load() = %+v; want %+v", got, snap)
	}
	for i := range snap.Messages {
		w, g := snap.Messages[i], got.Messages[i]
		if g.Role != w.Role || g.Text != w.Text || g.TokenCount != w.TokenCount || !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("Messages[%d] = %+v; want %+v", i, g, w)
		}
	}
	if !got.CreatedAt.Equal(snap.CreatedAt) || !got.LastActiveAt.Equal(snap.LastActiveAt) {
		t.Errorf("timestamps = %v, %v; want %v, %v", got.CreatedAt, got.LastActiveAt, snap.CreatedAt, snap.LastActiveAt)
	}
}

func TestSQLiteStoreSaveReplacesWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := Snapshot{ID: "c1", Messages: []types.Message{msg(types.RoleUser, 1, 0), msg(types.RoleAssistant, 1, 1)}, TotalTokens: 2, CreatedAt: base, LastActiveAt: base}
	second := Snapshot{ID: "c1", Messages: []types.Message{msg(types.RoleAssistant, 1, 1)}, TotalTokens: 1, CreatedAt: base, LastActiveAt: base.Add(time.Minute)}

	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save(first) error = %v", err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save(second) error = %v", err)
	}

	got, err := store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != types.RoleAssistant || got.TotalTokens != 1 {
		t.Errorf("Load() = %+v; want only the retained assistant message", got)
	}
}

func TestSQLiteStoreLoadMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v; want not found", err)
	}
}

func TestSQLiteStoreLoadAllAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"b", "a", "c"} {
		snap := Snapshot{
			ID:           id,
			Messages:     []types.Message{msg(types.RoleUser, 1, i)},
			TotalTokens:  1,
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
			LastActiveAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete(unknown) error = %v", err)
	}

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "b" || all[1].ID != "c" {
		t.Fatalf("LoadAll() ids = %v; want [b c]", ids(all))
	}
	if len(all[0].Messages) != 1 {
		t.Errorf("LoadAll()[0] has %d messages; want 1", len(all[0].Messages))
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 || infos[0].MessageCount != 1 {
		t.Errorf("List() = %+v; want 2 entries with 1 message each", infos)
	}
}

func ids(snaps []Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.ID
	}
	return out
}
