// payloads.go — тела сообщений протокола (plain structs).
//
// Механика передачи содержимого файлов (HTTP/file-exchange) — вне
// контракта протокола. Референсный pillar принимает содержимое
// PutFile прямо в payload (поле Content); промышленные pillar-ы
// используют внешний file exchange и поле URL.
package protocol

import "time"

// OperationType — операция, для которой запрашивается идентификация.
type OperationType string

const (
	OpGetFile      OperationType = "get_file"
	OpPutFile      OperationType = "put_file"
	OpDeleteFile   OperationType = "delete_file"
	OpGetChecksums OperationType = "get_checksums"
	OpGetFileIDs   OperationType = "get_file_ids"
)

// IdentifyRequest — запрос идентификации: готов ли pillar выполнить
// операцию и с какой оценкой времени доставки.
type IdentifyRequest struct {
	Operation OperationType `json:"operation"`
	// FileID — файл операции (пустой для операций над всей коллекцией)
	FileID string `json:"file_id,omitempty"`
	// FileSize — размер файла для PutFile (оценка ёмкости)
	FileSize int64 `json:"file_size,omitempty"`
}

// IdentifyResponse — ответ pillar-а на запрос идентификации.
// Иммутабелен после получения.
type IdentifyResponse struct {
	PillarID string       `json:"pillar_id"`
	Code     ResponseCode `json:"code"`
	// TimeToDeliverMillis — оценка времени доставки, используется
	// селектором быстрейшего pillar-а
	TimeToDeliverMillis int64 `json:"time_to_deliver_millis"`
	// Info — человекочитаемое пояснение (для негативных ответов)
	Info string `json:"info,omitempty"`
}

// GetFileRequest — запрос выдачи файла.
type GetFileRequest struct {
	FileID string `json:"file_id"`
	// DeliveryURL — адрес file exchange для доставки содержимого
	DeliveryURL string `json:"delivery_url,omitempty"`
}

// GetFileProgress — промежуточный ответ о ходе выдачи файла.
type GetFileProgress struct {
	PillarID string `json:"pillar_id"`
	FileID   string `json:"file_id"`
	Info     string `json:"info,omitempty"`
}

// GetFileFinal — финальный ответ операции GetFile.
type GetFileFinal struct {
	PillarID string       `json:"pillar_id"`
	Code     ResponseCode `json:"code"`
	FileID   string       `json:"file_id"`
	FileSize int64        `json:"file_size,omitempty"`
	Checksum string       `json:"checksum,omitempty"`
	// Content — содержимое файла (только референсный pillar)
	Content []byte `json:"content,omitempty"`
	Info    string `json:"info,omitempty"`
}

// PutFileRequest — запрос сохранения файла на pillar-е.
type PutFileRequest struct {
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum"`
	FileSize int64  `json:"file_size"`
	// DownloadURL — адрес file exchange для скачивания содержимого
	DownloadURL string `json:"download_url,omitempty"`
	// Content — содержимое файла (только референсный pillar)
	Content []byte `json:"content,omitempty"`
}

// PutFileFinal — финальный ответ операции PutFile.
type PutFileFinal struct {
	PillarID string       `json:"pillar_id"`
	Code     ResponseCode `json:"code"`
	FileID   string       `json:"file_id"`
	Checksum string       `json:"checksum,omitempty"`
	Info     string       `json:"info,omitempty"`
}

// DeleteFileRequest — запрос удаления файла.
// Checksum — контрольная сумма удаляемого файла (защита от удаления
// не той версии).
type DeleteFileRequest struct {
	FileID   string `json:"file_id"`
	Checksum string `json:"checksum,omitempty"`
}

// DeleteFileFinal — финальный ответ операции DeleteFile.
type DeleteFileFinal struct {
	PillarID string       `json:"pillar_id"`
	Code     ResponseCode `json:"code"`
	FileID   string       `json:"file_id"`
	Info     string       `json:"info,omitempty"`
}

// ChecksumItem — контрольная сумма одного файла в отчёте pillar-а.
type ChecksumItem struct {
	FileID    string    `json:"file_id"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// GetChecksumsRequest — запрос контрольных сумм.
// Пустой FileIDs означает «все файлы коллекции».
type GetChecksumsRequest struct {
	FileIDs   []string `json:"file_ids,omitempty"`
	Algorithm string   `json:"algorithm"`
}

// GetChecksumsFinal — финальный ответ со списком контрольных сумм.
type GetChecksumsFinal struct {
	PillarID string         `json:"pillar_id"`
	Code     ResponseCode   `json:"code"`
	Items    []ChecksumItem `json:"items,omitempty"`
	Info     string         `json:"info,omitempty"`
}

// FileIDItem — один файл в отчёте о перечне файлов.
type FileIDItem struct {
	FileID       string    `json:"file_id"`
	FileSize     int64     `json:"file_size"`
	LastModified time.Time `json:"last_modified"`
}

// GetFileIDsRequest — запрос перечня файлов коллекции.
// Пустой FileIDs означает «все файлы».
type GetFileIDsRequest struct {
	FileIDs []string `json:"file_ids,omitempty"`
}

// GetFileIDsFinal — финальный ответ с перечнем файлов.
type GetFileIDsFinal struct {
	PillarID string       `json:"pillar_id"`
	Code     ResponseCode `json:"code"`
	Items    []FileIDItem `json:"items,omitempty"`
	Info     string       `json:"info,omitempty"`
}

// AlarmCode — категория тревоги.
type AlarmCode string

const (
	// AlarmChecksumInconsistency — расхождение контрольных сумм между pillar-ами.
	AlarmChecksumInconsistency AlarmCode = "CHECKSUM_INCONSISTENCY"
	// AlarmMissingFile — файл отсутствует на части pillar-ов.
	AlarmMissingFile AlarmCode = "MISSING_FILE"
	// AlarmOperationFailed — беседа завершилась сбоем или таймаутом.
	AlarmOperationFailed AlarmCode = "OPERATION_FAILED"
)

// Alarm — операторская тревога, публикуемая на alarm destination.
type Alarm struct {
	Code         AlarmCode `json:"code"`
	CollectionID string    `json:"collection_id"`
	FileID       string    `json:"file_id,omitempty"`
	PillarID     string    `json:"pillar_id,omitempty"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
}
