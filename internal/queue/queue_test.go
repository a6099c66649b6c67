package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xonecas/townmind/internal/provider"
)

func newRouter(p *provider.MockProvider) *provider.Router {
	reg := provider.NewRegistry()
	reg.Register(p)
	return provider.NewRouter(reg, map[provider.Category]provider.Rule{
		provider.CategoryAgentDecision: {Primary: p.Name()},
	})
}

func msg(content string) []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: content}}
}

var target = Target{Category: provider.CategoryAgentDecision}

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatalf("future %s did not resolve", f.ID())
		}
	}
}

func TestPriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	mock := provider.NewMock("remote", "").WithResponder(func(req provider.Request) (string, error) {
		content := req.Messages[0].Content
		if content == "blocker" {
			<-gate
		}
		mu.Lock()
		order = append(order, content)
		mu.Unlock()
		return content, nil
	})
	q := New(newRouter(mock), 1)

	blocker := q.Enqueue("a0", target, msg("blocker"), 0)
	// Wait until the blocker holds the only slot.
	for q.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	low := q.Enqueue("a1", target, msg("low"), 1)
	high := q.Enqueue("a2", target, msg("high"), 9)
	mid := q.Enqueue("a3", target, msg("mid"), 5)
	high2 := q.Enqueue("a4", target, msg("high2"), 9)

	if got := q.Pending(); got != 4 {
		t.Fatalf("expected 4 pending, got %d", got)
	}
	close(gate)
	waitAll(t, blocker, low, high, mid, high2)

	want := []string{"blocker", "high", "high2", "mid", "low"}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestBoundedConcurrency(t *testing.T) {
	mock := provider.NewMock("remote", "ok").WithDelay(20 * time.Millisecond)
	q := New(newRouter(mock), 3)

	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, q.Enqueue("npc", target, msg("go"), 0))
	}
	waitAll(t, futures...)

	if peak := mock.PeakInFlight(); peak > 3 {
		t.Errorf("peak in-flight %d exceeds concurrency 3", peak)
	}
	if mock.Calls() != 10 {
		t.Errorf("expected 10 calls, got %d", mock.Calls())
	}
	for _, f := range futures {
		resp, err := f.Wait(context.Background())
		if err != nil || resp.Content != "ok" {
			t.Errorf("unexpected result %v, %v", resp, err)
		}
	}
}

func TestFailureIsIsolated(t *testing.T) {
	boom := errors.New("boom")
	mock := provider.NewMock("remote", "").WithResponder(func(req provider.Request) (string, error) {
		if req.Messages[0].Content == "bad" {
			return "", boom
		}
		return "fine", nil
	})
	q := New(newRouter(mock), 3)

	good1 := q.Enqueue("a", target, msg("good"), 0)
	bad := q.Enqueue("b", target, msg("bad"), 0)
	good2 := q.Enqueue("c", target, msg("good"), 0)
	waitAll(t, good1, bad, good2)

	if _, err := bad.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected failing request to reject with boom, got %v", err)
	}
	for _, f := range []*Future{good1, good2} {
		resp, err := f.Wait(context.Background())
		if err != nil || resp.Content != "fine" {
			t.Errorf("sibling affected by failure: %v, %v", resp, err)
		}
	}
}

func TestEnqueueDoesNotBlockDuringDispatch(t *testing.T) {
	gate := make(chan struct{})
	mock := provider.NewMock("remote", "").WithResponder(func(provider.Request) (string, error) {
		<-gate
		return "ok", nil
	})
	q := New(newRouter(mock), 1)

	first := q.Enqueue("a", target, msg("x"), 0)
	done := make(chan *Future)
	go func() { done <- q.Enqueue("b", target, msg("y"), 0) }()

	var second *Future
	select {
	case second = <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked while a dispatch was in flight")
	}
	close(gate)
	waitAll(t, first, second)
}

func TestClose(t *testing.T) {
	gate := make(chan struct{})
	mock := provider.NewMock("remote", "").WithResponder(func(provider.Request) (string, error) {
		<-gate
		return "ok", nil
	})
	q := New(newRouter(mock), 1)

	running := q.Enqueue("a", target, msg("x"), 0)
	for q.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}
	queued := q.Enqueue("b", target, msg("y"), 0)

	closed := make(chan error)
	go func() { closed <- q.Close(context.Background()) }()

	if _, err := queued.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected queued request to reject with ErrClosed, got %v", err)
	}
	close(gate)
	if err := <-closed; err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if resp, err := running.Wait(context.Background()); err != nil || resp.Content != "ok" {
		t.Errorf("in-flight request should complete, got %v, %v", resp, err)
	}

	late := q.Enqueue("c", target, msg("z"), 0)
	if _, err := late.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestLane(t *testing.T) {
	mock := provider.NewMock("remote", "lane")
	q := New(newRouter(mock), 2)

	resp, err := q.Lane("routine", 20).Complete(context.Background(), provider.CategoryAgentDecision, msg("hi"), "")
	if err != nil || resp.Content != "lane" {
		t.Fatalf("unexpected result %v, %v", resp, err)
	}
}
