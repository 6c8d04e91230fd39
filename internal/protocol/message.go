// Пакет protocol — типы сообщений протокола битовой сохранности.
//
// Все сообщения между клиентом и pillar-ами передаются через шину
// в едином конверте Message. Конверт несёт correlation id беседы,
// адреса отправителя/получателя, идентификатор коллекции и
// типизированный payload (JSON).
//
// Контракт конверта: каждая пара запрос/ответ несёт correlation id
// инициировавшей беседы. Остальные поля payload-ов для слоя бесед
// непрозрачны — их интерпретируют обработчики конкретных операций.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Версии протокола, поддерживаемые данной реализацией.
const (
	MinProtocolVersion = 1
	MaxProtocolVersion = 2
)

// MessageType — тег типа сообщения для диспетчеризации.
type MessageType string

const (
	// Фаза идентификации (общая для всех операций)
	MsgIdentifyRequest  MessageType = "identify_request"
	MsgIdentifyResponse MessageType = "identify_response"

	// GetFile
	MsgGetFileRequest  MessageType = "get_file_request"
	MsgGetFileProgress MessageType = "get_file_progress"
	MsgGetFileFinal    MessageType = "get_file_final"

	// PutFile
	MsgPutFileRequest MessageType = "put_file_request"
	MsgPutFileFinal   MessageType = "put_file_final"

	// DeleteFile
	MsgDeleteFileRequest MessageType = "delete_file_request"
	MsgDeleteFileFinal   MessageType = "delete_file_final"

	// GetChecksums
	MsgGetChecksumsRequest MessageType = "get_checksums_request"
	MsgGetChecksumsFinal   MessageType = "get_checksums_final"

	// GetFileIDs
	MsgGetFileIDsRequest MessageType = "get_file_ids_request"
	MsgGetFileIDsFinal   MessageType = "get_file_ids_final"

	// Тревоги (alarm transport)
	MsgAlarm MessageType = "alarm"
)

// Message — конверт сообщения на шине.
// Payload — JSON-представление одного из типов из payloads.go,
// определяемого полем Type.
type Message struct {
	// CorrelationID — идентификатор беседы, связывает запросы и ответы
	CorrelationID string `json:"correlation_id"`
	// Type — тег типа сообщения
	Type MessageType `json:"type"`
	// From — идентификатор компонента-отправителя
	From string `json:"from"`
	// To — destination получателя
	To string `json:"to"`
	// ReplyTo — destination для ответов
	ReplyTo string `json:"reply_to"`
	// CollectionID — коллекция, к которой относится операция
	CollectionID string `json:"collection_id"`
	// MinVersion, MaxVersion — диапазон версий протокола отправителя
	MinVersion int `json:"min_version"`
	MaxVersion int `json:"max_version"`
	// Timestamp — время отправки (UTC)
	Timestamp time.Time `json:"timestamp"`
	// Payload — тело сообщения, тип определяется полем Type
	Payload json.RawMessage `json:"payload"`
}

// NewMessage создаёт конверт с указанным типом и payload.
// CorrelationID не заполняется — его назначает беседа при первой отправке.
func NewMessage(msgType MessageType, collectionID string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации payload %s: %w", msgType, err)
	}
	return &Message{
		Type:         msgType,
		CollectionID: collectionID,
		MinVersion:   MinProtocolVersion,
		MaxVersion:   MaxProtocolVersion,
		Timestamp:    time.Now().UTC(),
		Payload:      raw,
	}, nil
}

// DecodePayload десериализует payload сообщения в указанную структуру.
func (m *Message) DecodePayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("ошибка разбора payload %s: %w", m.Type, err)
	}
	return nil
}

// NewCorrelationID генерирует новый correlation id беседы.
func NewCorrelationID() string {
	return uuid.New().String()
}
