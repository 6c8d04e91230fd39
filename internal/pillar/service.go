// service.go — обработчик протокольных запросов pillar-а.
//
// Входящие сообщения диспетчеризуются по таблице тип → обработчик.
// Ответы уходят в ReplyTo запроса с тем же correlation id. Ошибка
// обработки конкретного запроса даёт финальный ответ с негативным
// кодом, а не падение обработчика.
package pillar

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bitpreserve/internal/alarm"
	"github.com/bigkaa/bitpreserve/internal/messagebus"
	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// Оценка времени доставки референсного pillar-а: локальный каталог,
// доставка практически мгновенная.
const timeToDeliverMillis = 100

// requestsTotal — количество обработанных запросов по типам и кодам ответов.
var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bp_pillar_requests_total",
	Help: "Количество обработанных протокольных запросов",
}, []string{"type", "code"})

// Service — обработчик запросов референсного pillar-а.
type Service struct {
	pillarID    string
	destination string
	bus         messagebus.Bus
	archive     *Archive
	collections map[string]bool
	alarmer     *alarm.Alarmer
	logger      *slog.Logger

	ctx      context.Context
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewService создаёт обработчик pillar-а.
// alarmer опционален: nil отключает публикацию тревог об отказах.
func NewService(
	pillarID, destination string,
	bus messagebus.Bus,
	archive *Archive,
	collections []string,
	alarmer *alarm.Alarmer,
	logger *slog.Logger,
) *Service {
	s := &Service{
		pillarID:    pillarID,
		destination: destination,
		bus:         bus,
		archive:     archive,
		collections: make(map[string]bool, len(collections)),
		alarmer:     alarmer,
		logger: logger.With(
			slog.String("component", "pillar"),
			slog.String("pillar_id", pillarID),
		),
	}
	for _, collectionID := range collections {
		s.collections[collectionID] = true
	}
	s.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyRequest:     s.onIdentify,
		protocol.MsgGetFileRequest:      s.onGetFile,
		protocol.MsgPutFileRequest:      s.onPutFile,
		protocol.MsgDeleteFileRequest:   s.onDeleteFile,
		protocol.MsgGetChecksumsRequest: s.onGetChecksums,
		protocol.MsgGetFileIDsRequest:   s.onGetFileIDs,
	}
	return s
}

// Start подписывает pillar на его очередь запросов.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx
	if err := s.bus.AddListener(s.destination, s); err != nil {
		return err
	}
	s.logger.Info("Pillar запущен", slog.String("destination", s.destination))
	return nil
}

// Stop отписывает pillar от очереди запросов.
func (s *Service) Stop() {
	s.bus.RemoveListener(s.destination)
	s.logger.Info("Pillar остановлен")
}

// HandleMessage реализует messagebus.Handler.
func (s *Service) HandleMessage(msg *protocol.Message) {
	if msg.MinVersion > protocol.MaxProtocolVersion || msg.MaxVersion < protocol.MinProtocolVersion {
		s.logger.Warn("Несовместимая версия протокола, сообщение отброшено",
			slog.String("type", string(msg.Type)),
			slog.Int("min_version", msg.MinVersion),
			slog.Int("max_version", msg.MaxVersion),
		)
		return
	}
	if !s.collections[msg.CollectionID] {
		s.logger.Warn("Запрос к необслуживаемой коллекции, сообщение отброшено",
			slog.String("type", string(msg.Type)),
			slog.String("collection", msg.CollectionID),
		)
		return
	}

	handler, ok := s.dispatch[msg.Type]
	if !ok {
		s.logger.Warn("Неизвестный тип сообщения, сообщение отброшено",
			slog.String("type", string(msg.Type)),
		)
		return
	}
	handler(msg)
}

var _ messagebus.Handler = (*Service)(nil)

// reply отправляет ответ на запрос: тот же correlation id, адрес — ReplyTo.
func (s *Service) reply(orig *protocol.Message, msgType protocol.MessageType, payload any) {
	if orig.ReplyTo == "" {
		s.logger.Warn("Запрос без ReplyTo, ответ не отправлен",
			slog.String("type", string(orig.Type)))
		return
	}

	msg, err := protocol.NewMessage(msgType, orig.CollectionID, payload)
	if err != nil {
		s.logger.Error("Ошибка построения ответа",
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
		return
	}
	msg.CorrelationID = orig.CorrelationID
	msg.From = s.pillarID
	msg.To = orig.ReplyTo

	if err := s.bus.Send(s.ctx, orig.ReplyTo, msg); err != nil {
		s.logger.Error("Ошибка отправки ответа",
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
	}
}

// onIdentify — запрос идентификации.
//
// GetFile и DeleteFile требуют наличия файла; PutFile отказывает,
// если файл уже существует (сумма при идентификации неизвестна,
// конфликт разрешает фаза исполнения); операции над всей коллекцией
// всегда положительны.
func (s *Service) onIdentify(msg *protocol.Message) {
	var req protocol.IdentifyRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос идентификации", slog.String("error", err.Error()))
		return
	}

	resp := protocol.IdentifyResponse{
		PillarID:            s.pillarID,
		Code:                protocol.CodePositiveIdentification,
		TimeToDeliverMillis: timeToDeliverMillis,
	}

	switch req.Operation {
	case protocol.OpGetFile, protocol.OpDeleteFile:
		if !s.archive.Has(msg.CollectionID, req.FileID) {
			resp.Code = protocol.CodeFileNotFound
			resp.Info = "файл отсутствует в архиве"
		}
	case protocol.OpPutFile:
		if s.archive.Has(msg.CollectionID, req.FileID) {
			resp.Code = protocol.CodeExistingFileMismatch
			resp.Info = "файл уже существует"
		}
	case protocol.OpGetChecksums, protocol.OpGetFileIDs:
		// всегда готов
	default:
		resp.Code = protocol.CodeRequestNotSupported
		resp.Info = "операция не поддерживается"
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(resp.Code)).Inc()
	s.reply(msg, protocol.MsgIdentifyResponse, resp)
}

// onGetFile — выдача файла: progress, затем final с содержимым.
func (s *Service) onGetFile(msg *protocol.Message) {
	var req protocol.GetFileRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос выдачи файла", slog.String("error", err.Error()))
		return
	}

	s.reply(msg, protocol.MsgGetFileProgress, protocol.GetFileProgress{
		PillarID: s.pillarID,
		FileID:   req.FileID,
		Info:     "выдача начата",
	})

	final := protocol.GetFileFinal{
		PillarID: s.pillarID,
		FileID:   req.FileID,
	}

	content, checksum, err := s.archive.Get(msg.CollectionID, req.FileID)
	switch {
	case err == nil:
		final.Code = protocol.CodeOperationCompleted
		final.FileSize = int64(len(content))
		final.Checksum = checksum
		final.Content = content
	case errors.Is(err, ErrFileNotFound):
		final.Code = protocol.CodeFileNotFound
		final.Info = "файл отсутствует в архиве"
	default:
		final.Code = protocol.CodeFailure
		final.Info = err.Error()
		s.raiseOperationFailed(msg.CollectionID, req.FileID, err)
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(final.Code)).Inc()
	s.reply(msg, protocol.MsgGetFileFinal, final)
}

// onPutFile — сохранение файла.
func (s *Service) onPutFile(msg *protocol.Message) {
	var req protocol.PutFileRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос сохранения файла", slog.String("error", err.Error()))
		return
	}

	final := protocol.PutFileFinal{
		PillarID: s.pillarID,
		FileID:   req.FileID,
	}

	checksum, err := s.archive.Put(msg.CollectionID, req.FileID, req.Content, req.Checksum)
	switch {
	case err == nil:
		final.Code = protocol.CodeOperationCompleted
		final.Checksum = checksum
	case errors.Is(err, ErrChecksumMismatch):
		final.Code = protocol.CodeChecksumMismatch
		final.Info = "контрольная сумма содержимого не совпадает с заявленной"
	case errors.Is(err, ErrExistingFileMismatch):
		final.Code = protocol.CodeExistingFileMismatch
		final.Info = "файл уже существует с другой контрольной суммой"
	case errors.Is(err, ErrBadFileID):
		final.Code = protocol.CodeFailure
		final.Info = "недопустимый идентификатор файла"
	default:
		final.Code = protocol.CodeFailure
		final.Info = err.Error()
		s.raiseOperationFailed(msg.CollectionID, req.FileID, err)
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(final.Code)).Inc()
	s.reply(msg, protocol.MsgPutFileFinal, final)
}

// onDeleteFile — удаление файла.
func (s *Service) onDeleteFile(msg *protocol.Message) {
	var req protocol.DeleteFileRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос удаления файла", slog.String("error", err.Error()))
		return
	}

	final := protocol.DeleteFileFinal{
		PillarID: s.pillarID,
		FileID:   req.FileID,
	}

	err := s.archive.Delete(msg.CollectionID, req.FileID, req.Checksum)
	switch {
	case err == nil:
		final.Code = protocol.CodeOperationCompleted
	case errors.Is(err, ErrFileNotFound):
		final.Code = protocol.CodeFileNotFound
		final.Info = "файл отсутствует в архиве"
	case errors.Is(err, ErrChecksumMismatch):
		final.Code = protocol.CodeChecksumMismatch
		final.Info = "контрольная сумма не совпадает, файл не удалён"
	default:
		final.Code = protocol.CodeFailure
		final.Info = err.Error()
		s.raiseOperationFailed(msg.CollectionID, req.FileID, err)
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(final.Code)).Inc()
	s.reply(msg, protocol.MsgDeleteFileFinal, final)
}

// onGetChecksums — отчёт о контрольных суммах.
func (s *Service) onGetChecksums(msg *protocol.Message) {
	var req protocol.GetChecksumsRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос контрольных сумм", slog.String("error", err.Error()))
		return
	}

	final := protocol.GetChecksumsFinal{
		PillarID: s.pillarID,
		Code:     protocol.CodeOperationCompleted,
		Items:    s.archive.Checksums(msg.CollectionID, req.FileIDs),
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(final.Code)).Inc()
	s.reply(msg, protocol.MsgGetChecksumsFinal, final)
}

// onGetFileIDs — отчёт о перечне файлов.
func (s *Service) onGetFileIDs(msg *protocol.Message) {
	var req protocol.GetFileIDsRequest
	if err := msg.DecodePayload(&req); err != nil {
		s.logger.Warn("Нечитаемый запрос перечня файлов", slog.String("error", err.Error()))
		return
	}

	items := s.archive.List(msg.CollectionID)
	if len(req.FileIDs) > 0 {
		wanted := make(map[string]bool, len(req.FileIDs))
		for _, fileID := range req.FileIDs {
			wanted[fileID] = true
		}
		filtered := items[:0]
		for _, it := range items {
			if wanted[it.FileID] {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	final := protocol.GetFileIDsFinal{
		PillarID: s.pillarID,
		Code:     protocol.CodeOperationCompleted,
		Items:    items,
	}

	requestsTotal.WithLabelValues(string(msg.Type), string(final.Code)).Inc()
	s.reply(msg, protocol.MsgGetFileIDsFinal, final)
}

// raiseOperationFailed публикует тревогу об отказе операции.
func (s *Service) raiseOperationFailed(collectionID, fileID string, opErr error) {
	if s.alarmer == nil {
		return
	}
	_ = s.alarmer.Raise(s.ctx, collectionID, protocol.Alarm{
		Code:     protocol.AlarmOperationFailed,
		FileID:   fileID,
		PillarID: s.pillarID,
		Text:     opErr.Error(),
	})
}
