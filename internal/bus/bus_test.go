package bus

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"adrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(size int, timeout time.Duration) *InMemoryBus {
	return New(Config{BufferSize: size, PublishTimeout: timeout, Logger: testLogger()})
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(4, time.Second)
	defer b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "telegram", ChatID: "-1", Content: "!unlock-user jdoe"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "!unlock-user jdoe" {
			t.Fatalf("unexpected content %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_OutboundRoutedByChannel(t *testing.T) {
	b := newTestBus(4, time.Second)
	defer b.Close()

	var slackGot, tgGot string
	b.OnOutbound("slack", func(m domain.OutboundMessage) { slackGot = m.Content })
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { tgGot = m.Content })

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "-1", Content: "hello"})

	if tgGot != "hello" {
		t.Fatalf("telegram handler got %q", tgGot)
	}
	if slackGot != "" {
		t.Fatalf("slack handler should not fire, got %q", slackGot)
	}

	// Unknown channel is logged, not a panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "discord", Content: "x"})
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := newTestBus(1, time.Second)
	b.Close()
	b.Close()

	if err := b.Publish(domain.InboundMessage{Channel: "telegram"}); !errors.Is(err, domain.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
	if b.Refused() != 1 {
		t.Fatalf("expected 1 refused, got %d", b.Refused())
	}
}

func TestInMemoryBus_FullQueueRefuses(t *testing.T) {
	b := newTestBus(1, 20*time.Millisecond)
	defer b.Close()

	if err := b.Publish(domain.InboundMessage{Content: "!a"}); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if err := b.Publish(domain.InboundMessage{Content: "!b"}); !errors.Is(err, domain.ErrBusFull) {
		t.Fatalf("expected ErrBusFull, got %v", err)
	}
	if b.Refused() != 1 {
		t.Fatalf("expected 1 refused, got %d", b.Refused())
	}

	// Draining frees a slot.
	<-b.Subscribe()
	if err := b.Publish(domain.InboundMessage{Content: "!c"}); err != nil {
		t.Fatalf("Publish after drain: %v", err)
	}
}

func TestInMemoryBus_CloseWakesBlockedPublisher(t *testing.T) {
	b := newTestBus(1, time.Minute)
	if err := b.Publish(domain.InboundMessage{Content: "!a"}); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- b.Publish(domain.InboundMessage{Content: "!b"}) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a waiting publisher")
	}
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrBusClosed) {
			t.Fatalf("expected ErrBusClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher not woken by Close")
	}

	// The queued command is still drained.
	if msg, ok := <-b.Subscribe(); !ok || msg.Content != "!a" {
		t.Fatalf("expected queued !a, got %+v ok=%v", msg, ok)
	}
}
