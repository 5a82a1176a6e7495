package relay

import (
	"sync"
	"testing"
)

func TestPendingResolveExactlyOnce(t *testing.T) {
	p := newPendingMap()
	ch := p.Add("req-1")

	if !p.Resolve("req-1", proxyResult{status: 200}) {
		t.Fatal("first resolve rejected")
	}
	if p.Resolve("req-1", proxyResult{status: 500}) {
		t.Fatal("duplicate resolve accepted")
	}

	res := <-ch
	if res.status != 200 {
		t.Fatalf("status = %d", res.status)
	}
	if p.Len() != 0 {
		t.Fatalf("len = %d", p.Len())
	}
}

func TestPendingUnknownIDNoOp(t *testing.T) {
	p := newPendingMap()
	if p.Resolve("never-added", proxyResult{}) {
		t.Fatal("unknown id resolved")
	}
}

func TestPendingRemoveAbandons(t *testing.T) {
	p := newPendingMap()
	p.Add("req-1")
	p.Remove("req-1")

	if p.Resolve("req-1", proxyResult{}) {
		t.Fatal("removed id resolved")
	}
	if p.Len() != 0 {
		t.Fatalf("len = %d", p.Len())
	}
}

func TestPendingConcurrentResolvers(t *testing.T) {
	p := newPendingMap()
	ch := p.Add("req-1")

	var wg sync.WaitGroup
	resolved := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved <- p.Resolve("req-1", proxyResult{status: 200})
		}()
	}
	wg.Wait()
	close(resolved)

	wins := 0
	for ok := range resolved {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	<-ch
}
