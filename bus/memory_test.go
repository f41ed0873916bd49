package bus

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"swarm.inbound", false},
		{"swarm.worker.abc", false},
		{"", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_OtherSubjectsIsolated(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("swarm.worker.a")
	bus.Publish("swarm.worker.b", []byte("not for a"))

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected delivery: %q", msg.Data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, _ := bus.QueueSubscribe("test", "workers")
		subs = append(subs, sub)
	}

	for i := 0; i < 9; i++ {
		bus.Publish("test", []byte("msg"))
	}

	var received [3]int32
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s Subscription) {
			defer wg.Done()
			timeout := time.After(100 * time.Millisecond)
			for {
				select {
				case <-s.Messages():
					atomic.AddInt32(&received[idx], 1)
				case <-timeout:
					return
				}
			}
		}(i, sub)
	}
	wg.Wait()

	for i, n := range received {
		if n != 3 {
			t.Errorf("member %d received %d, want 3 (distribution: %v)", i, n, received)
		}
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("service")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				bus.Publish(msg.Reply, append([]byte("re:"), msg.Data...))
			}
		}
	}()
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := strconv.Itoa(n)
			reply, err := bus.Request("service", []byte(payload), time.Second)
			if err != nil {
				t.Errorf("Request error: %v", err)
				return
			}
			if string(reply.Data) != "re:"+payload {
				t.Errorf("reply = %q, want %q", reply.Data, "re:"+payload)
			}
		}(i)
	}
	wg.Wait()
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	_, err := bus.Request("service", []byte("ping"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

// --- Overflow and Ordering ---

func TestMemoryBus_DropOldestOnOverflow(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")

	for i := 1; i <= 5; i++ {
		bus.Publish("test", []byte(strconv.Itoa(i)))
	}

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			got = append(got, string(msg.Data))
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
	if fmt.Sprint(got) != "[4 5]" {
		t.Errorf("kept = %v, want the two newest [4 5]", got)
	}
	if bus.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", bus.Dropped())
	}
}

func TestMemoryBus_StalledSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 4})
	defer bus.Close()

	stalled, _ := bus.Subscribe("test")
	defer stalled.Unsubscribe()
	live, _ := bus.Subscribe("test")
	defer live.Unsubscribe()

	var count atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range live.Messages() {
			if count.Add(1) == 1000 {
				return
			}
		}
	}()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish("test", []byte("x"))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by stalled subscriber")
	}
	if len(stalled.Messages()) != 4 {
		t.Errorf("stalled buffer = %d, want 4", len(stalled.Messages()))
	}
}

func TestMemoryBus_PerPublisherOrder(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1024})
	defer bus.Close()

	sub, _ := bus.Subscribe("inbound")

	const publishers, each = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				bus.Publish("inbound", []byte(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for n := 0; n < publishers*each; n++ {
		msg := <-sub.Messages()
		var p, i int
		fmt.Sscanf(string(msg.Data), "%d:%d", &p, &i)
		if i != last[p]+1 {
			t.Fatalf("publisher %d: got seq %d after %d", p, i, last[p])
		}
		last[p] = i
	}
}

// --- Failure Tests ---

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Request("test", nil, time.Millisecond); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Publishing to a subject with no subscribers is fine.
	if err := bus.Publish("test", []byte("x")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := bus.Subscribe("race")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("race", []byte("x"))
			}
		}()
		go func(s Subscription) {
			defer wg.Done()
			s.Unsubscribe()
		}(sub)
	}
	wg.Wait()
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")
	qsub, _ := bus.QueueSubscribe("test", "q")

	bus.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
	if _, ok := <-qsub.Messages(); ok {
		t.Error("expected queue channel to be closed")
	}
}

// --- Performance Tests ---

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench", data)
	}
}
