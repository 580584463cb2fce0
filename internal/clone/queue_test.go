package clone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jfoltran/pgcopystream/internal/signals"
)

func TestQueueStopPerWorker(t *testing.T) {
	ctx := context.Background()
	q := NewQueue("test", 16, nil)

	const workers = 3
	var wg sync.WaitGroup
	received := make([]int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				msg, err := q.Receive(ctx)
				if err != nil {
					t.Errorf("worker %d: %v", id, err)
					return
				}
				if msg.Kind == KindStop {
					return
				}
				received[id]++
			}
		}(i)
	}

	for oid := uint32(1); oid <= 9; oid++ {
		if err := q.Send(ctx, Message{Kind: KindTableOID, OID: oid}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.SendStops(ctx, workers); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	total := 0
	for _, n := range received {
		total += n
	}
	if total != 9 {
		t.Errorf("received %d messages, want 9", total)
	}
}

func TestQueueSendHonorsStop(t *testing.T) {
	flags, ctx, cancel := signals.Install(context.Background())
	defer cancel()

	q := NewQueue("full", 1, flags)
	if err := q.Send(ctx, Message{Kind: KindTableOID, OID: 1}); err != nil {
		t.Fatal(err)
	}

	// Queue is full and nobody consumes; a stop request must unblock
	// the producer.
	go func() {
		time.Sleep(30 * time.Millisecond)
		flags.RequestStop()
	}()

	err := q.Send(context.Background(), Message{Kind: KindTableOID, OID: 2})
	if err != ErrQueueStopped {
		t.Errorf("Send = %v, want ErrQueueStopped", err)
	}
}

func TestQueueReceiveCancellation(t *testing.T) {
	q := NewQueue("empty", 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Receive(ctx)
	if err == nil {
		t.Error("expected cancellation error")
	}
}

func TestMessageKindString(t *testing.T) {
	kinds := map[MessageKind]string{
		KindStop:           "STOP",
		KindTableOID:       "TABLE_OID",
		KindIndexOID:       "INDEX_OID",
		KindLargeObjectOID: "LO_OID",
		MessageKind(99):    "UNKNOWN",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
