package transcript

import (
	"os"
	"testing"

	"github.com/halohq/halo/internal/scopelock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), scopelock.NewMap())
}

func TestAppendAndReadFrom(t *testing.T) {
	s := newTestStore(t)
	scope := "telegram:dm:wags"

	for i, content := range []string{"hello", "hi there", "what's for dinner", "pasta"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.Append(scope, Item{Role: role, MemberID: "wags", Content: content, AtMs: int64(i + 1)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	items, end, err := s.ReadFrom(scope, 0, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(items) != 2 || end != 2 {
		t.Fatalf("got %d items end=%d, want 2/2", len(items), end)
	}
	if items[0].Content != "hello" {
		t.Errorf("first item = %+v", items[0])
	}

	items, end, err = s.ReadFrom(scope, 2, 10)
	if err != nil {
		t.Fatalf("read from offset: %v", err)
	}
	if len(items) != 2 || end != 4 {
		t.Fatalf("got %d items end=%d, want 2/4", len(items), end)
	}
	if items[0].Content != "what's for dinner" {
		t.Errorf("offset read wrong item: %+v", items[0])
	}
}

func TestReadMissingScope(t *testing.T) {
	s := newTestStore(t)
	items, end, err := s.ReadFrom("telegram:dm:nobody", 3, 10)
	if err != nil || items != nil || end != 3 {
		t.Errorf("missing scope: items=%v end=%d err=%v", items, end, err)
	}
}

func TestUnparseableLinesAdvanceOffset(t *testing.T) {
	s := newTestStore(t)
	scope := "scope"
	s.Append(scope, Item{Role: "user", Content: "ok", AtMs: 1})

	f, err := os.OpenFile(s.Path(scope), os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken\n")
	f.Close()

	s.Append(scope, Item{Role: "user", Content: "after", AtMs: 2})

	items, end, err := s.ReadFrom(scope, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if end != 3 {
		t.Errorf("end = %d, want 3 (broken line still counts)", end)
	}
	if len(items) != 2 || items[1].Content != "after" {
		t.Errorf("items = %+v", items)
	}
}

func TestTailAndCount(t *testing.T) {
	s := newTestStore(t)
	scope := "scope"
	for i := 0; i < 5; i++ {
		s.Append(scope, Item{Role: "user", Content: string(rune('a' + i)), AtMs: int64(i + 1)})
	}

	tail, err := s.Tail(scope, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[1].Content != "e" {
		t.Errorf("tail = %+v", tail)
	}

	n, err := s.Count(scope)
	if err != nil || n != 5 {
		t.Errorf("count = %d err=%v, want 5", n, err)
	}
}

func TestScopeFilenamesAreHashed(t *testing.T) {
	s := newTestStore(t)
	path := s.Path("telegram:dm:wags")
	base := path[len(path)-len("0123456789abcdef.jsonl"):]
	if len(base) != len("0123456789abcdef.jsonl") {
		t.Errorf("unexpected transcript filename %q", path)
	}
}
