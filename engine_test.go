package mtsched

import (
	"testing"
	"time"

	"github.com/behrlich/go-mtsched/internal/signal"
)

func TestEngineSendLocalDeliversOnFlush(t *testing.T) {
	e := NewEngineCore(2)

	block := NewMockBlock()
	if _, err := e.RegisterThread(0, nil, nil); err != nil {
		t.Fatalf("RegisterThread(0): %v", err)
	}
	if _, err := e.RegisterThread(1, block, nil); err != nil {
		t.Fatalf("RegisterThread(1): %v", err)
	}
	if err := e.Connect(0, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var sig signal.Signal
	sig.Header.GSN = 42
	sig.Header.Length = 1
	sig.Data[0] = 99

	if err := e.sendlocal(0, 1, &sig); err != nil {
		t.Fatalf("sendlocal: %v", err)
	}
	if block.ExecuteCount() != 0 {
		t.Fatalf("expected no execution before flush, got %d", block.ExecuteCount())
	}

	if err := e.flushLocalSignals(0); err != nil {
		t.Fatalf("flushLocalSignals: %v", err)
	}

	consumer, err := e.thread(1)
	if err != nil {
		t.Fatalf("thread(1): %v", err)
	}
	executed := consumer.inner.RunJobBuffers(consumer.pages, nil)
	if executed != 1 {
		t.Fatalf("expected 1 executed signal, got %d", executed)
	}
	if block.ExecuteCount() != 1 {
		t.Fatalf("expected MockBlock to see 1 execution, got %d", block.ExecuteCount())
	}
	if block.LastGSN() != 42 {
		t.Fatalf("expected GSN 42, got %d", block.LastGSN())
	}
}

func TestEngineSendPrioAWakesConsumer(t *testing.T) {
	e := NewEngineCore(2)

	block := NewMockBlock()
	if _, err := e.RegisterThread(0, nil, nil); err != nil {
		t.Fatalf("RegisterThread(0): %v", err)
	}
	if _, err := e.RegisterThread(1, block, nil); err != nil {
		t.Fatalf("RegisterThread(1): %v", err)
	}
	if err := e.Connect(0, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	wait, err := e.waitersFor(1)
	if err != nil {
		t.Fatalf("waitersFor: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wait.Yield(time.Second, func(any) bool { return true }, nil)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	var sig signal.Signal
	sig.Header.GSN = 7
	sig.Header.Length = 1
	sig.Data[0] = 1

	if err := e.sendprioa(0, 1, &sig); err != nil {
		t.Fatalf("sendprioa: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected sendprioa to wake the consumer's wait object")
	}
}

func TestEngineSendLocalUnknownThread(t *testing.T) {
	e := NewEngineCore(1)
	if _, err := e.RegisterThread(0, nil, nil); err != nil {
		t.Fatalf("RegisterThread(0): %v", err)
	}

	var sig signal.Signal
	err := e.sendlocal(0, 5, &sig)
	if err == nil {
		t.Fatal("expected error sending to an unconnected destination")
	}
}

func TestEngineConnectRejectsDuplicate(t *testing.T) {
	e := NewEngineCore(2)
	if _, err := e.RegisterThread(0, nil, nil); err != nil {
		t.Fatalf("RegisterThread(0): %v", err)
	}
	if _, err := e.RegisterThread(1, nil, nil); err != nil {
		t.Fatalf("RegisterThread(1): %v", err)
	}
	if err := e.Connect(0, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := e.Connect(0, 1); err == nil {
		t.Fatal("expected duplicate Connect to fail")
	}
}
