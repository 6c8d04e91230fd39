// codes.go — коды ответов протокола и их классификация.
//
// Каждый код ответа однозначно относится к одному из трёх классов
// агрегации в слое бесед: успех, ожидаемый негатив (partial) или
// жёсткий сбой. Ожидаемые негативы (файл не найден, pillar не может
// обслужить запрос) — не ошибки: беседа фиксирует их как результат
// contributor-а и продолжает работу.
package protocol

// ResponseCode — код исхода в ответе pillar-а.
type ResponseCode string

const (
	// CodePositiveIdentification — pillar готов выполнить операцию.
	CodePositiveIdentification ResponseCode = "POSITIVE_IDENTIFICATION"
	// CodeNegativeIdentification — pillar не может обслужить запрос.
	CodeNegativeIdentification ResponseCode = "NEGATIVE_IDENTIFICATION"
	// CodeOperationCompleted — операция выполнена успешно.
	CodeOperationCompleted ResponseCode = "OPERATION_COMPLETED"
	// CodeOperationProgress — промежуточный (информационный) ответ.
	CodeOperationProgress ResponseCode = "OPERATION_PROGRESS"
	// CodeFileNotFound — запрошенный файл отсутствует на pillar-е.
	CodeFileNotFound ResponseCode = "FILE_NOT_FOUND"
	// CodeChecksumMismatch — контрольная сумма не совпала при проверке.
	CodeChecksumMismatch ResponseCode = "CHECKSUM_MISMATCH"
	// CodeExistingFileMismatch — файл уже существует с другой контрольной суммой.
	CodeExistingFileMismatch ResponseCode = "EXISTING_FILE_MISMATCH"
	// CodeRequestNotSupported — pillar не поддерживает операцию.
	CodeRequestNotSupported ResponseCode = "REQUEST_NOT_SUPPORTED"
	// CodeFailure — неожиданный сбой на стороне pillar-а.
	CodeFailure ResponseCode = "FAILURE"
)

// OutcomeClass — класс исхода для агрегации в беседе.
type OutcomeClass int

const (
	// ClassSuccess — положительный результат contributor-а.
	ClassSuccess OutcomeClass = iota
	// ClassPartial — ожидаемый негатив: фиксируется как результат-ошибка
	// contributor-а, беседа завершается с PartiallyComplete.
	ClassPartial
	// ClassHard — жёсткий сбой contributor-а.
	ClassHard
)

// classByCode — отображение код → класс исхода.
// Каждый код относится ровно к одному классу.
var classByCode = map[ResponseCode]OutcomeClass{
	CodePositiveIdentification: ClassSuccess,
	CodeOperationCompleted:     ClassSuccess,
	CodeOperationProgress:      ClassSuccess,
	CodeNegativeIdentification: ClassPartial,
	CodeFileNotFound:           ClassPartial,
	CodeChecksumMismatch:       ClassPartial,
	CodeExistingFileMismatch:   ClassPartial,
	CodeRequestNotSupported:    ClassHard,
	CodeFailure:                ClassHard,
}

// Class возвращает класс исхода для кода ответа.
// Неизвестные коды трактуются как жёсткий сбой.
func (c ResponseCode) Class() OutcomeClass {
	class, ok := classByCode[c]
	if !ok {
		return ClassHard
	}
	return class
}

// IsPositive возвращает true для кодов класса успеха.
func (c ResponseCode) IsPositive() bool {
	return c.Class() == ClassSuccess
}
