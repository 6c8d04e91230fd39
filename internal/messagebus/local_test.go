package messagebus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// recordingHandler накапливает доставленные сообщения.
type recordingHandler struct {
	mu       sync.Mutex
	received []*protocol.Message
	notify   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(msg *protocol.Message) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) waitFor(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		if len(h.received) >= n {
			out := append([]*protocol.Message(nil), h.received...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		select {
		case <-h.notify:
		case <-deadline:
			t.Fatalf("Не дождались %d сообщений", n)
		}
	}
}

func testMessage(t *testing.T, correlationID string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, "col1", protocol.IdentifyRequest{
		Operation: protocol.OpGetFile,
		FileID:    "f",
	})
	if err != nil {
		t.Fatalf("NewMessage() вернул ошибку: %v", err)
	}
	msg.CorrelationID = correlationID
	return msg
}

func TestLocalBus_DeliversToListener(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	h := newRecordingHandler()
	if err := bus.AddListener("dest", h); err != nil {
		t.Fatalf("AddListener() вернул ошибку: %v", err)
	}

	if err := bus.Send(context.Background(), "dest", testMessage(t, "c-1")); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}

	received := h.waitFor(t, 1)
	if received[0].CorrelationID != "c-1" {
		t.Errorf("CorrelationID = %q, ожидается c-1", received[0].CorrelationID)
	}
	if received[0].To != "dest" {
		t.Errorf("To = %q, ожидается dest", received[0].To)
	}

	// Доставленное сообщение — копия после JSON round-trip
	var req protocol.IdentifyRequest
	if err := received[0].DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload() вернул ошибку: %v", err)
	}
	if req.FileID != "f" {
		t.Errorf("FileID = %q, payload не пережил доставку", req.FileID)
	}
}

func TestLocalBus_NoListenerIsDrop(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	// Отправка в очередь без consumer-а — не ошибка
	if err := bus.Send(context.Background(), "nobody", testMessage(t, "c-1")); err != nil {
		t.Errorf("Send() без listener-а вернул ошибку: %v", err)
	}
}

func TestLocalBus_ListenerReplaced(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	old := newRecordingHandler()
	replacement := newRecordingHandler()
	if err := bus.AddListener("dest", old); err != nil {
		t.Fatalf("AddListener(old) вернул ошибку: %v", err)
	}
	if err := bus.AddListener("dest", replacement); err != nil {
		t.Fatalf("AddListener(replacement) вернул ошибку: %v", err)
	}

	if err := bus.Send(context.Background(), "dest", testMessage(t, "c-1")); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}

	replacement.waitFor(t, 1)
	old.mu.Lock()
	oldCount := len(old.received)
	old.mu.Unlock()
	if oldCount != 0 {
		t.Errorf("Заменённый listener получил %d сообщений", oldCount)
	}
}

func TestLocalBus_RemoveListener(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	h := newRecordingHandler()
	if err := bus.AddListener("dest", h); err != nil {
		t.Fatalf("AddListener() вернул ошибку: %v", err)
	}
	if err := bus.RemoveListener("dest"); err != nil {
		t.Fatalf("RemoveListener() вернул ошибку: %v", err)
	}
	// Идемпотентность
	if err := bus.RemoveListener("dest"); err != nil {
		t.Fatalf("Повторный RemoveListener() вернул ошибку: %v", err)
	}

	if err := bus.Send(context.Background(), "dest", testMessage(t, "c-1")); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	count := len(h.received)
	h.mu.Unlock()
	if count != 0 {
		t.Errorf("Снятый listener получил %d сообщений", count)
	}
}

func TestLocalBus_ClosedRejectsSend(t *testing.T) {
	bus := NewLocalBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() вернул ошибку: %v", err)
	}

	err := bus.Send(context.Background(), "dest", testMessage(t, "c-1"))
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("Send() после Close = %v, ожидается ErrBusClosed", err)
	}
	if err := bus.AddListener("dest", newRecordingHandler()); !errors.Is(err, ErrBusClosed) {
		t.Errorf("AddListener() после Close = %v, ожидается ErrBusClosed", err)
	}
}
