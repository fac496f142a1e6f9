package session

import (
	"errors"
	"testing"

	"github.com/halohq/halo/internal/scopelock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), scopelock.NewMap())
}

func TestAppendAndItems(t *testing.T) {
	s := newTestStore(t)
	scope := "telegram:dm:wags"

	s.Append(scope, Item{Role: "user", MemberID: "wags", Content: "hello", AtMs: 1})
	s.Append(scope, Item{Role: "assistant", Content: "hi", AtMs: 2})

	items, err := s.Items(scope)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 || items[0].Content != "hello" || items[1].Role != "assistant" {
		t.Errorf("items = %+v", items)
	}
}

func TestItemsMissingSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Items("nobody"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestListSortedByActivity(t *testing.T) {
	s := newTestStore(t)
	s.Append("old", Item{Role: "user", Content: "a", AtMs: 100})
	s.Append("new", Item{Role: "user", Content: "b", AtMs: 200})

	infos, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].ScopeID != "new" || infos[1].ScopeID != "old" {
		t.Errorf("list order = %+v", infos)
	}
}

func TestListWithCounts(t *testing.T) {
	s := newTestStore(t)
	s.Append("a", Item{Role: "user", Content: "1", AtMs: 1})
	s.Append("a", Item{Role: "assistant", Content: "2", AtMs: 2})
	s.Append("b", Item{Role: "user", Content: "1", AtMs: 3})

	infos, err := s.ListWithCounts()
	if err != nil {
		t.Fatalf("list with counts: %v", err)
	}
	counts := map[string]int{}
	for _, i := range infos {
		counts[i.ScopeID] = i.ItemCount
	}
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestClearKeepsSessionListed(t *testing.T) {
	s := newTestStore(t)
	s.Append("a", Item{Role: "user", Content: "1", AtMs: 1})

	if err := s.Clear("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	items, err := s.Items("a")
	if err != nil {
		t.Fatalf("items after clear: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty session, got %+v", items)
	}
	infos, _ := s.List()
	if len(infos) != 1 {
		t.Errorf("cleared session should stay listed: %+v", infos)
	}
}

func TestPurgeRemovesSession(t *testing.T) {
	s := newTestStore(t)
	s.Append("a", Item{Role: "user", Content: "1", AtMs: 1})

	if err := s.Purge("a"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.Items("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session gone, err = %v", err)
	}
	infos, _ := s.List()
	if len(infos) != 0 {
		t.Errorf("purged session still listed: %+v", infos)
	}

	if err := s.Purge("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second purge err = %v, want ErrSessionNotFound", err)
	}
}
