package broker

import (
	"testing"
	"time"

	"github.com/labqa/qa-broker/internal/wire"
)

func TestPublishQueueFIFOOrder(t *testing.T) {
	q := newPublishQueue()
	q.push(published{body: wire.NewPubMsg("first")})
	q.push(published{body: wire.NewPubMsg("second")})
	q.push(published{body: wire.NewPubMsg("third")})

	want := []string{"first", "second", "third"}
	for _, w := range want {
		p, ok := q.pop()
		if !ok {
			t.Fatalf("expected an item")
		}
		if msg, _ := p.body.GetString("msg"); msg != w {
			t.Fatalf("got %q, want %q", msg, w)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("expected queue to be empty")
	}
}

func TestPublishQueueWaitBlocksUntilPush(t *testing.T) {
	q := newPublishQueue()
	done := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		q.wait(done)
		close(woke)
	}()

	select {
	case <-woke:
		t.Fatalf("wait returned before a push or done")
	case <-time.After(50 * time.Millisecond):
	}

	q.push(published{body: wire.NewPubMsg("x")})
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatalf("wait did not wake up after push")
	}
}

func TestPublishQueueWaitUnblocksOnDone(t *testing.T) {
	q := newPublishQueue()
	done := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		q.wait(done)
		close(woke)
	}()
	close(done)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatalf("wait did not unblock on done")
	}
}

func TestPublishQueueWaitDoesNotBlockWhenNonEmpty(t *testing.T) {
	q := newPublishQueue()
	q.push(published{body: wire.NewPubMsg("x")})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		q.wait(done)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("wait blocked despite a pending item")
	}
}
