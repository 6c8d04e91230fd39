package pillar

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bigkaa/bitpreserve/internal/conversation"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

const waitBudget = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testHarness — LocalBus с подключёнными pillar-сервисами и
// координаторскими зависимостями бесед.
type testHarness struct {
	bus  *messagebus.LocalBus
	deps conversation.Deps
}

// startPillar поднимает pillar-сервис на шине поверх собственного архива.
func startPillar(t *testing.T, bus *messagebus.LocalBus, pillarID string, collections ...string) *Archive {
	t.Helper()
	if len(collections) == 0 {
		collections = []string{"col1"}
	}
	archive, err := NewArchive(t.TempDir(), collections)
	if err != nil {
		t.Fatalf("NewArchive() вернул ошибку: %v", err)
	}
	svc := NewService(pillarID, "pillar."+pillarID, bus, archive, collections, nil, testLogger())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}
	t.Cleanup(svc.Stop)
	return archive
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := testLogger()
	bus := messagebus.NewLocalBus()
	t.Cleanup(func() { bus.Close() })

	mediator := conversation.NewMediator(logger)
	scheduler := conversation.NewScheduler()

	replyTo := "client.replies"
	if err := bus.AddListener(replyTo, mediator); err != nil {
		t.Fatalf("AddListener(%s) вернул ошибку: %v", replyTo, err)
	}

	return &testHarness{
		bus: bus,
		deps: conversation.Deps{
			Bus:         bus,
			Mediator:    mediator,
			Scheduler:   scheduler,
			Events:      conversation.NewLogEventHandler(logger),
			ComponentID: "test-client",
			ReplyTo:     replyTo,
			Timeout:     3 * time.Second,
			Logger:      logger,
		},
	}
}

func pillars(ids ...string) []conversation.Pillar {
	out := make([]conversation.Pillar, 0, len(ids))
	for _, id := range ids {
		out = append(out, conversation.Pillar{ID: id, Destination: "pillar." + id})
	}
	return out
}

func TestService_PutThenGetRoundTrip(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")
	content := []byte("берегите биты")

	put := conversation.NewPutFileConversation(h.deps, "col1", protocol.PutFileRequest{
		FileID:   "f1",
		Content:  content,
		FileSize: int64(len(content)),
	}, pillars("p1"))
	if err := put.Start(context.Background()); err != nil {
		t.Fatalf("Start(PutFile) вернул ошибку: %v", err)
	}
	if err := put.Wait(waitBudget); err != nil {
		t.Fatalf("Wait(PutFile) вернул ошибку: %v", err)
	}
	if stored := put.StoredAt(); len(stored) != 1 || stored[0] != "p1" {
		t.Errorf("StoredAt() = %v, ожидается [p1]", stored)
	}
	if !archive.Has("col1", "f1") {
		t.Fatal("Файл не попал в архив pillar-а")
	}

	get := conversation.NewGetFileConversation(h.deps, "col1", "f1", pillars("p1"), conversation.NewFastestSelector())
	if err := get.Start(context.Background()); err != nil {
		t.Fatalf("Start(GetFile) вернул ошибку: %v", err)
	}
	if err := get.Wait(waitBudget); err != nil {
		t.Fatalf("Wait(GetFile) вернул ошибку: %v", err)
	}
	final, ok := get.File()
	if !ok {
		t.Fatal("File() не вернул результат завершённой беседы")
	}
	if string(final.Content) != string(content) {
		t.Errorf("Content = %q, содержимое не совпадает", final.Content)
	}
	if final.PillarID != "p1" {
		t.Errorf("PillarID = %q, ожидается p1", final.PillarID)
	}
	wantChecksum, _ := archive.Checksum("col1", "f1")
	if final.Checksum != wantChecksum {
		t.Errorf("Checksum = %q, ожидается %q", final.Checksum, wantChecksum)
	}
}

func TestService_GetFileNotFound(t *testing.T) {
	h := newHarness(t)
	startPillar(t, h.bus, "p1")

	get := conversation.NewGetFileConversation(h.deps, "col1", "ghost", pillars("p1"), conversation.NewFastestSelector())
	if err := get.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}

	err := get.Wait(waitBudget)
	var convErr *conversation.ConversationError
	if !errors.As(err, &convErr) {
		t.Fatalf("Wait() = %v, ожидается ConversationError", err)
	}
	res := get.Results()["p1"]
	if res == nil || res.Code != protocol.CodeFileNotFound {
		t.Errorf("Результат p1 = %+v, ожидается FILE_NOT_FOUND при идентификации", res)
	}
}

func TestService_PutExistingConflict(t *testing.T) {
	h := newHarness(t)
	conflicted := startPillar(t, h.bus, "p1")
	clean := startPillar(t, h.bus, "p2")
	if _, err := conflicted.Put("col1", "f1", []byte("оригинал"), ""); err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}

	put := conversation.NewPutFileConversation(h.deps, "col1", protocol.PutFileRequest{
		FileID:  "f1",
		Content: []byte("другое содержимое"),
	}, pillars("p1", "p2"))
	if err := put.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}

	// Негативная идентификация одного pillar-а — частичный успех
	if err := put.Wait(waitBudget); err != nil {
		t.Fatalf("Wait() вернул ошибку: %v", err)
	}
	if stored := put.StoredAt(); len(stored) != 1 || stored[0] != "p2" {
		t.Errorf("StoredAt() = %v, ожидается только чистый p2", stored)
	}
	res := put.Results()["p1"]
	if res == nil || res.Code != protocol.CodeExistingFileMismatch {
		t.Errorf("Результат p1 = %+v, ожидается EXISTING_FILE_MISMATCH", res)
	}
	if got, _, _ := conflicted.Get("col1", "f1"); string(got) != "оригинал" {
		t.Errorf("Содержимое = %q, оригинал перезаписан", got)
	}
	if !clean.Has("col1", "f1") {
		t.Error("Чистый pillar не сохранил файл")
	}
}

func TestService_PutAllConflictedFails(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")
	if _, err := archive.Put("col1", "f1", []byte("оригинал"), ""); err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}

	put := conversation.NewPutFileConversation(h.deps, "col1", protocol.PutFileRequest{
		FileID:  "f1",
		Content: []byte("другое содержимое"),
	}, pillars("p1"))
	if err := put.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}

	// Ни одного положительно идентифицировавшегося — беседа завершается сбоем
	err := put.Wait(waitBudget)
	var convErr *conversation.ConversationError
	if !errors.As(err, &convErr) {
		t.Fatalf("Wait() = %v, ожидается ConversationError", err)
	}
	if got, _, _ := archive.Get("col1", "f1"); string(got) != "оригинал" {
		t.Errorf("Содержимое = %q, оригинал перезаписан", got)
	}
}

func TestService_DeleteWithChecksumGuard(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")
	checksum, err := archive.Put("col1", "f1", []byte("data"), "")
	if err != nil {
		t.Fatalf("Put() вернул ошибку: %v", err)
	}

	// Неверная сумма: файл остаётся, беседа фиксирует CHECKSUM_MISMATCH
	del := conversation.NewDeleteFileConversation(h.deps, "col1", protocol.DeleteFileRequest{
		FileID:   "f1",
		Checksum: "не та версия",
	}, pillars("p1"))
	if err := del.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}
	if err := del.Wait(waitBudget); err != nil {
		t.Fatalf("Wait() вернул ошибку: %v", err)
	}
	if res := del.Results()["p1"]; res == nil || res.Code != protocol.CodeChecksumMismatch {
		t.Errorf("Результат p1 = %+v, ожидается CHECKSUM_MISMATCH", res)
	}
	if !archive.Has("col1", "f1") {
		t.Fatal("Файл удалён при несовпадении суммы")
	}

	// Верная сумма: файл удалён
	del = conversation.NewDeleteFileConversation(h.deps, "col1", protocol.DeleteFileRequest{
		FileID:   "f1",
		Checksum: checksum,
	}, pillars("p1"))
	if err := del.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}
	if err := del.Wait(waitBudget); err != nil {
		t.Fatalf("Wait() вернул ошибку: %v", err)
	}
	if archive.Has("col1", "f1") {
		t.Error("Файл числится в архиве после удаления")
	}
}

func TestService_GetChecksumsAndFileIDs(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")
	for _, fileID := range []string{"a", "b"} {
		if _, err := archive.Put("col1", fileID, []byte(fileID), ""); err != nil {
			t.Fatalf("Put(%s) вернул ошибку: %v", fileID, err)
		}
	}

	sums := conversation.NewGetChecksumsConversation(h.deps, "col1", protocol.GetChecksumsRequest{
		Algorithm: "md5",
	}, pillars("p1"))
	if err := sums.Start(context.Background()); err != nil {
		t.Fatalf("Start(GetChecksums) вернул ошибку: %v", err)
	}
	if err := sums.Wait(waitBudget); err != nil {
		t.Fatalf("Wait(GetChecksums) вернул ошибку: %v", err)
	}
	items := sums.Checksums()["p1"]
	if len(items) != 2 {
		t.Fatalf("Checksums()[p1] = %v, ожидается 2 записи", items)
	}
	if items[0].FileID != "a" || items[1].FileID != "b" {
		t.Errorf("Checksums()[p1] = %v, порядок не по fileID", items)
	}

	ids := conversation.NewGetFileIDsConversation(h.deps, "col1", protocol.GetFileIDsRequest{
		FileIDs: []string{"b"},
	}, pillars("p1"))
	if err := ids.Start(context.Background()); err != nil {
		t.Fatalf("Start(GetFileIDs) вернул ошибку: %v", err)
	}
	if err := ids.Wait(waitBudget); err != nil {
		t.Fatalf("Wait(GetFileIDs) вернул ошибку: %v", err)
	}
	listed := ids.FileIDs()["p1"]
	if len(listed) != 1 || listed[0].FileID != "b" {
		t.Errorf("FileIDs()[p1] = %v, ожидается только b", listed)
	}
}

func TestService_ExecuteReachesOnlySelectedPillar(t *testing.T) {
	h := newHarness(t)
	fast := startPillar(t, h.bus, "fast")
	slow := startPillar(t, h.bus, "slow")
	content := []byte("data")
	for _, a := range []*Archive{fast, slow} {
		if _, err := a.Put("col1", "f1", content, ""); err != nil {
			t.Fatalf("Put() вернул ошибку: %v", err)
		}
	}

	// Оба отвечают одинаковой оценкой; селектор берёт первого увиденного,
	// запрос исполнения уходит ровно одному
	get := conversation.NewGetFileConversation(h.deps, "col1", "f1", pillars("fast", "slow"), conversation.NewFastestSelector())
	if err := get.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}
	if err := get.Wait(waitBudget); err != nil {
		t.Fatalf("Wait() вернул ошибку: %v", err)
	}

	final, ok := get.File()
	if !ok {
		t.Fatal("File() не вернул результат")
	}
	executed := 0
	for _, res := range get.Results() {
		if res.Code == protocol.CodeOperationCompleted {
			executed++
		}
	}
	if executed != 1 {
		t.Errorf("Исполнение завершили %d pillar-а, ожидается ровно 1 (выбранный %s)", executed, final.PillarID)
	}
}

func TestService_SpecificSelectorTargetsPillar(t *testing.T) {
	h := newHarness(t)
	p1 := startPillar(t, h.bus, "p1")
	p2 := startPillar(t, h.bus, "p2")
	for _, a := range []*Archive{p1, p2} {
		if _, err := a.Put("col1", "f1", []byte("data"), ""); err != nil {
			t.Fatalf("Put() вернул ошибку: %v", err)
		}
	}

	get := conversation.NewGetFileConversation(h.deps, "col1", "f1", pillars("p1", "p2"), conversation.NewSpecificSelector("p2"))
	if err := get.Start(context.Background()); err != nil {
		t.Fatalf("Start() вернул ошибку: %v", err)
	}
	if err := get.Wait(waitBudget); err != nil {
		t.Fatalf("Wait() вернул ошибку: %v", err)
	}
	final, ok := get.File()
	if !ok || final.PillarID != "p2" {
		t.Errorf("File() от %v, ожидается явно выбранный p2", final)
	}
}

func TestService_DiscardsForeignCollection(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1") // обслуживает только col1

	msg, err := protocol.NewMessage(protocol.MsgPutFileRequest, "col-foreign", protocol.PutFileRequest{
		FileID:  "f1",
		Content: []byte("x"),
	})
	if err != nil {
		t.Fatalf("NewMessage() вернул ошибку: %v", err)
	}
	msg.ReplyTo = h.deps.ReplyTo
	if err := h.bus.Send(context.Background(), "pillar.p1", msg); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if archive.Has("col-foreign", "f1") || archive.Has("col1", "f1") {
		t.Error("Запрос к необслуживаемой коллекции выполнен")
	}
}

func TestService_DiscardsIncompatibleVersion(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")

	msg, err := protocol.NewMessage(protocol.MsgPutFileRequest, "col1", protocol.PutFileRequest{
		FileID:  "f1",
		Content: []byte("x"),
	})
	if err != nil {
		t.Fatalf("NewMessage() вернул ошибку: %v", err)
	}
	msg.ReplyTo = h.deps.ReplyTo
	msg.MinVersion = protocol.MaxProtocolVersion + 1
	msg.MaxVersion = protocol.MaxProtocolVersion + 1
	if err := h.bus.Send(context.Background(), "pillar.p1", msg); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if archive.Has("col1", "f1") {
		t.Error("Запрос с несовместимой версией протокола выполнен")
	}
}

func TestService_ReplyWithoutReplyToDropped(t *testing.T) {
	h := newHarness(t)
	archive := startPillar(t, h.bus, "p1")

	msg, err := protocol.NewMessage(protocol.MsgPutFileRequest, "col1", protocol.PutFileRequest{
		FileID:  "f1",
		Content: []byte("x"),
	})
	if err != nil {
		t.Fatalf("NewMessage() вернул ошибку: %v", err)
	}
	// ReplyTo намеренно пуст: запрос обработан, ответ некуда отправить
	if err := h.bus.Send(context.Background(), "pillar.p1", msg); err != nil {
		t.Fatalf("Send() вернул ошибку: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !archive.Has("col1", "f1") {
		if time.Now().After(deadline) {
			t.Fatal("Файл не сохранён")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
