package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmkit/bus"
	"github.com/vinayprograms/swarmkit/protocol"
)

func decodeHeartbeat(t *testing.T, msg *bus.Message) protocol.Heartbeat {
	t.Helper()
	env, err := protocol.Decode(msg.Data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if env.Kind != protocol.KindHeartbeat {
		t.Fatalf("Kind = %q, want %q", env.Kind, protocol.KindHeartbeat)
	}
	var hb protocol.Heartbeat
	if err := env.Into(&hb); err != nil {
		t.Fatalf("Into error: %v", err)
	}
	return hb
}

// --- Unit Tests ---

func TestEncode(t *testing.T) {
	data, err := Encode(protocol.Heartbeat{WorkerID: "w1", Load: 0.75, ActiveTasks: 3})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	hb := decodeHeartbeat(t, &bus.Message{Data: data})
	if hb.WorkerID != "w1" || hb.Load != 0.75 || hb.ActiveTasks != 3 {
		t.Errorf("heartbeat = %+v", hb)
	}
}

func TestClampLoad(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{-0.5, 0},
		{1.5, 1},
	}
	for _, tt := range tests {
		if got := clampLoad(tt.in); got != tt.want {
			t.Errorf("clampLoad(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     SenderConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig()), WorkerID: "w1"},
			wantErr: false,
		},
		{
			name:    "missing bus",
			cfg:     SenderConfig{WorkerID: "w1"},
			wantErr: true,
		},
		{
			name:    "missing worker id",
			cfg:     SenderConfig{Bus: bus.NewMemoryBus(bus.DefaultConfig())},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Integration Tests ---

func TestBusSender_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, err := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBusSender error: %v", err)
	}

	sub, _ := msgBus.Subscribe(protocol.SubjectInbound)
	defer sub.Unsubscribe()

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		hb := decodeHeartbeat(t, msg)
		if hb.WorkerID != "w1" {
			t.Errorf("WorkerID = %q, want %q", hb.WorkerID, "w1")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for heartbeat")
	}

	if err := sender.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestBusSender_DoubleStart(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: 50 * time.Millisecond,
	})

	ctx := context.Background()
	sender.Start(ctx)
	defer sender.Stop()

	if err := sender.Start(ctx); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestBusSender_StopBeforeStart(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, _ := NewBusSender(SenderConfig{Bus: msgBus, WorkerID: "w1"})

	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestBusSender_SetLoad(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: 50 * time.Millisecond,
	})

	sender.SetLoad(-0.5, 0)
	sender.SetLoad(1.5, 2)

	sub, _ := msgBus.Subscribe(protocol.SubjectInbound)
	defer sub.Unsubscribe()

	sender.Start(context.Background())
	defer sender.Stop()

	select {
	case msg := <-sub.Messages():
		hb := decodeHeartbeat(t, msg)
		if hb.Load != 1.0 {
			t.Errorf("Load = %v, want 1.0 (clamped)", hb.Load)
		}
		if hb.ActiveTasks != 2 {
			t.Errorf("ActiveTasks = %d, want 2", hb.ActiveTasks)
		}
	case <-time.After(time.Second):
		t.Error("timeout")
	}
}

func TestBusSender_LoadFunc(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	var calls atomic.Int32
	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: time.Hour,
		Load: func() (float64, int) {
			calls.Add(1)
			return 0.25, 1
		},
	})
	sender.SetLoad(0.9, 9)

	sub, _ := msgBus.Subscribe(protocol.SubjectInbound)
	defer sub.Unsubscribe()

	if err := sender.Beat(); err != nil {
		t.Fatalf("Beat error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		hb := decodeHeartbeat(t, msg)
		if hb.Load != 0.25 || hb.ActiveTasks != 1 {
			t.Errorf("heartbeat = %+v, want sampled load", hb)
		}
	case <-time.After(time.Second):
		t.Error("timeout")
	}
	if calls.Load() != 1 {
		t.Errorf("LoadFunc called %d times, want 1", calls.Load())
	}
}

func TestBusSender_ContextCancel(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sender.Start(ctx)
	cancel()

	deadline := time.After(time.Second)
	for sender.running.Load() {
		select {
		case <-deadline:
			t.Fatal("sender still running after context cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("Stop after cancel = %v, want ErrNotStarted", err)
	}
}

// --- System Tests ---

func TestBusSender_MultipleHeartbeats(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w1",
		Interval: 30 * time.Millisecond,
	})

	sub, _ := msgBus.Subscribe(protocol.SubjectInbound)
	defer sub.Unsubscribe()

	var received int32
	done := make(chan struct{})
	go func() {
		for range sub.Messages() {
			if atomic.AddInt32(&received, 1) >= 3 {
				close(done)
				return
			}
		}
	}()

	sender.Start(context.Background())
	defer sender.Stop()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Errorf("received only %d heartbeats, wanted at least 3", atomic.LoadInt32(&received))
	}
}

// --- Performance Tests ---

func BenchmarkBusSender_Beat(b *testing.B) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	sub, _ := msgBus.Subscribe(protocol.SubjectInbound)
	go func() {
		for range sub.Messages() {
		}
	}()

	sender, _ := NewBusSender(SenderConfig{
		Bus:      msgBus,
		WorkerID: "w-bench",
		Interval: time.Hour,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sender.Beat()
	}
}

// --- MemorySender Tests ---

func TestMemorySender_Records(t *testing.T) {
	sender := NewMemorySender("w1", 50*time.Millisecond)
	sender.SetLoad(0.5, 1)

	sender.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	sender.Stop()

	sent := sender.Sent()
	if len(sent) < 2 {
		t.Errorf("expected at least 2 heartbeats, got %d", len(sent))
	}
	if sent[0].Load != 0.5 || sent[0].ActiveTasks != 1 {
		t.Errorf("first heartbeat = %+v", sent[0])
	}

	sender.Clear()
	if len(sender.Sent()) != 0 {
		t.Error("Clear did not reset recorded heartbeats")
	}
}
