package logbus

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/runner/internal/domain"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "job-1")
	b.Publish(domain.LogChunk{JobID: "job-1", Content: []byte("hello")})

	select {
	case chunk := <-ch:
		if string(chunk.Content) != "hello" {
			t.Errorf("content = %q, want hello", chunk.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
	}
}

func TestPublishIgnoresOtherJobs(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, "job-1")
	b.Publish(domain.LogChunk{JobID: "job-2", Content: []byte("other")})

	select {
	case chunk := <-ch:
		t.Fatalf("unexpected chunk delivered: %+v", chunk)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(domain.LogChunk{JobID: "no-one-listening"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}

func TestCancelContextClosesSubscriberChannel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "job-1")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New()
	ctx := context.Background()
	ch1 := b.Subscribe(ctx, "job-1")
	ch2 := b.Subscribe(ctx, "job-2")

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, ch := range []<-chan domain.LogChunk{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Fatal("expected closed channel")
		}
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := New()
	b.Close()
	ch := b.Subscribe(context.Background(), "job-1")
	if _, ok := <-ch; ok {
		t.Fatal("expected already-closed channel after bus close")
	}
}
