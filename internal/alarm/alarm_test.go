package alarm

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/bitpreserve/internal/integrity"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder накапливает тревоги, пришедшие в очередь тревог.
type recorder struct {
	mu     sync.Mutex
	alarms []protocol.Alarm
}

func (r *recorder) HandleMessage(msg *protocol.Message) {
	var al protocol.Alarm
	if err := msg.DecodePayload(&al); err != nil {
		return
	}
	r.mu.Lock()
	r.alarms = append(r.alarms, al)
	r.mu.Unlock()
}

func (r *recorder) waitFor(t *testing.T, n int) []protocol.Alarm {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.alarms) >= n {
			out := append([]protocol.Alarm(nil), r.alarms...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("Не дождались %d тревог", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestAlarmer(t *testing.T) (*Alarmer, *recorder) {
	t.Helper()
	bus := messagebus.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	rec := &recorder{}
	if err := bus.AddListener("bitpreserve.alarm", rec); err != nil {
		t.Fatalf("AddListener() вернул ошибку: %v", err)
	}
	return NewAlarmer(bus, "bitpreserve.alarm", "test-component", testLogger()), rec
}

func TestAlarmer_Raise(t *testing.T) {
	alarmer, rec := newTestAlarmer(t)

	err := alarmer.Raise(context.Background(), "col1", protocol.Alarm{
		Code:   protocol.AlarmMissingFile,
		FileID: "f1",
		Text:   "файл отсутствует",
	})
	if err != nil {
		t.Fatalf("Raise() вернул ошибку: %v", err)
	}

	alarms := rec.waitFor(t, 1)
	al := alarms[0]
	if al.Code != protocol.AlarmMissingFile || al.FileID != "f1" {
		t.Errorf("Тревога = %+v, код или файл не совпадают", al)
	}
	if al.CollectionID != "col1" {
		t.Errorf("CollectionID = %q, должен заполняться при публикации", al.CollectionID)
	}
	if al.Timestamp.IsZero() {
		t.Error("Timestamp не заполнен при публикации")
	}
}

func TestAlarmer_RaiseForReport(t *testing.T) {
	alarmer, rec := newTestAlarmer(t)

	report := integrity.NewReport("col1")
	report.InconsistentChecksums["bad"] = map[string]string{"p1": "aaa", "p2": "bbb"}
	report.MissingFiles["lost"] = []string{"p2"}
	report.DeleteableFiles = []string{"gone"}

	alarmer.RaiseForReport(context.Background(), report)

	alarms := rec.waitFor(t, 3)
	byCode := make(map[protocol.AlarmCode]int)
	for _, al := range alarms {
		byCode[al.Code]++
	}
	if byCode[protocol.AlarmChecksumInconsistency] != 1 {
		t.Errorf("CHECKSUM_INCONSISTENCY = %d, ожидается 1", byCode[protocol.AlarmChecksumInconsistency])
	}
	// Отсутствующий и потерянный везде файл — обе тревоги MISSING_FILE
	if byCode[protocol.AlarmMissingFile] != 2 {
		t.Errorf("MISSING_FILE = %d, ожидается 2", byCode[protocol.AlarmMissingFile])
	}
}

func TestAlarmer_RaiseForReport_CleanReport(t *testing.T) {
	alarmer, rec := newTestAlarmer(t)

	alarmer.RaiseForReport(context.Background(), integrity.NewReport("col1"))
	alarmer.RaiseForReport(context.Background(), nil)

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	count := len(rec.alarms)
	rec.mu.Unlock()
	if count != 0 {
		t.Errorf("Чистый отчёт дал %d тревог", count)
	}
}
