package scopelock

import (
	"sync"
	"testing"
)

func TestSerializesSameScope(t *testing.T) {
	m := NewMap()

	var inside int
	var maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.With("telegram:dm:kid", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, observed %d", maxInside)
	}
}

func TestPurgesWhenIdle(t *testing.T) {
	m := NewMap()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		scope := "scope-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.With(scope, func() error { return nil })
		}()
	}
	wg.Wait()

	if n := m.Active(); n != 0 {
		t.Errorf("expected no tracked scopes after idle, got %d", n)
	}
}

func TestIndependentScopesDoNotBlock(t *testing.T) {
	m := NewMap()
	m.Lock("a")
	defer m.Unlock("a")

	done := make(chan struct{})
	go func() {
		m.With("b", func() error { return nil })
		close(done)
	}()
	<-done
}
