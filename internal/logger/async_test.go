package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// lockedBuffer is an io.Writer safe for the drain goroutines.
type lockedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	stall time.Duration
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	if b.stall > 0 {
		time.Sleep(b.stall)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func newAsyncLogger(out *lockedBuffer, size, workers int) (*slog.Logger, *AsyncHandler) {
	h := NewAsyncHandler(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}), size, workers)
	return slog.New(h), h
}

func TestAsyncHandler_DerivedLoggersShareQueue(t *testing.T) {
	out := &lockedBuffer{}
	log, h := newAsyncLogger(out, 16, 1)

	delib := log.With("deliberation_id", "d-1")
	delib.Info("round complete", "round", 1)
	delib.WithGroup("vote").Info("critic scored", "score", 0.8)
	log.Warn("dispatch failed", "action_id", "a-1")
	h.Close()

	lines := out.lines()
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	byMsg := map[string]map[string]any{}
	for _, l := range lines {
		byMsg[l["msg"].(string)] = l
	}
	if byMsg["round complete"]["deliberation_id"] != "d-1" {
		t.Errorf("attrs lost: %v", byMsg["round complete"])
	}
	vote, ok := byMsg["critic scored"]["vote"].(map[string]any)
	if !ok || vote["score"] != 0.8 {
		t.Errorf("group lost: %v", byMsg["critic scored"])
	}
	if _, ok := byMsg["dispatch failed"]["deliberation_id"]; ok {
		t.Error("derived attrs leaked into the parent logger")
	}
}

func TestAsyncHandler_CloseDrainsEveryRecord(t *testing.T) {
	const writers, perWriter = 20, 50
	out := &lockedBuffer{}
	log, h := newAsyncLogger(out, writers*perWriter, 4)

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				log.Debug("step recorded", "worker", w, "attempt", i)
			}
		}()
	}
	wg.Wait()
	h.Close()

	if got := len(out.lines()); got != writers*perWriter {
		t.Fatalf("records = %d, want %d", got, writers*perWriter)
	}
	if h.DroppedCount() != 0 {
		t.Errorf("dropped = %d with a buffer large enough", h.DroppedCount())
	}
}

func TestAsyncHandler_StalledSinkDropsInsteadOfBlocking(t *testing.T) {
	out := &lockedBuffer{stall: 20 * time.Millisecond}
	log, h := newAsyncLogger(out, 1, 1)

	start := time.Now()
	for range 50 {
		log.Info("inbound received")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("logging blocked for %v", elapsed)
	}
	h.Close()

	dropped := h.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected drops with a stalled sink")
	}
	if got := int64(len(out.lines())) + dropped; got != 50 {
		t.Errorf("written + dropped = %d, want 50", got)
	}
}

func TestAsyncHandler_AfterClose(t *testing.T) {
	out := &lockedBuffer{}
	log, h := newAsyncLogger(out, 4, 1)
	h.Close()
	h.Close()

	log.Error("late record")
	if h.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", h.DroppedCount())
	}
	if len(out.lines()) != 0 {
		t.Error("record written after close")
	}
}
