// getfile.go — беседа GetFile: выдача файла быстрейшим pillar-ом.
//
// Две фазы:
//  1. Идентификация — веерный запрос всем pillar-ам коллекции; каждый
//     отвечает готовностью и оценкой времени доставки.
//  2. Исполнение — запрос выдачи отправляется только выбранному
//     pillar-у; завершения остальных не ожидаются.
package conversation

import (
	"context"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// GetFileConversation — беседа выдачи файла.
type GetFileConversation struct {
	*base
	fileID   string
	pillars  []Pillar
	selector Selector
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewGetFileConversation создаёт беседу GetFile.
// sel == nil означает политику быстрейшего pillar-а.
func NewGetFileConversation(deps Deps, collectionID, fileID string, pillars []Pillar, sel Selector) *GetFileConversation {
	if sel == nil {
		sel = NewFastestSelector()
	}
	c := &GetFileConversation{
		base:     newBase(deps, string(protocol.OpGetFile), collectionID),
		fileID:   fileID,
		pillars:  pillars,
		selector: sel,
	}
	c.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyResponse: c.onIdentify,
		protocol.MsgGetFileProgress:  c.onProgress,
		protocol.MsgGetFileFinal:     c.onFinal,
	}
	return c
}

// Start рассылает запросы идентификации всем pillar-ам коллекции,
// взводит дедлайн и переводит беседу в фазу идентификации.
func (c *GetFileConversation) Start(ctx context.Context) error {
	if err := c.open(ctx, c, c.deps.timeout()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginPhaseLocked(StateIdentifying, c.pillars)
	for _, p := range c.pillars {
		msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, c.collectionID, protocol.IdentifyRequest{
			Operation: protocol.OpGetFile,
			FileID:    c.fileID,
		})
		if err != nil {
			return err
		}
		c.sendLocked(p.Destination, p.ID, msg)
	}
	return nil
}

// OnMessage реализует Conversation.
func (c *GetFileConversation) OnMessage(msg *protocol.Message) {
	c.dispatchMessage(msg, c.dispatch)
}

// onIdentify — ответ идентификации; при опустошении outstanding
// выбирает исполнителя и переходит к фазе исполнения.
func (c *GetFileConversation) onIdentify(msg *protocol.Message) {
	chosen, ready := c.handleIdentifyLocked(msg, c.selector)
	if !ready {
		return
	}

	// Фаза исполнения: запрос только выбранному pillar-у.
	// Итоги идентификации не выбранных pillar-ов остаются в results.
	c.beginPhaseLocked(StateExecuting, chosen)
	for _, p := range chosen {
		req, err := protocol.NewMessage(protocol.MsgGetFileRequest, c.collectionID, protocol.GetFileRequest{
			FileID: c.fileID,
		})
		if err != nil {
			c.failLocked("ошибка построения запроса выдачи: " + err.Error())
			return
		}
		c.sendLocked(p.Destination, p.ID, req)
	}
}

// onProgress — информационный промежуточный ответ.
func (c *GetFileConversation) onProgress(msg *protocol.Message) {
	var p protocol.GetFileProgress
	if err := msg.DecodePayload(&p); err != nil {
		c.emitLocked(EventWarning, msg.From, "нечитаемый промежуточный ответ: "+err.Error())
		return
	}
	c.emitLocked(EventProgress, p.PillarID, p.Info)
}

// onFinal — финальный ответ выдачи файла.
func (c *GetFileConversation) onFinal(msg *protocol.Message) {
	var f protocol.GetFileFinal
	if err := msg.DecodePayload(&f); err != nil {
		// Нечитаемый ответ: исчерпывает outstanding, в results не попадает
		c.emitLocked(EventWarning, msg.From, "нечитаемый финальный ответ: "+err.Error())
		if c.respondLocked(msg.From) {
			c.maybeFinishLocked()
		}
		return
	}

	if !c.respondLocked(f.PillarID) {
		return
	}
	c.accumulateLocked(&ContributorResult{
		PillarID: f.PillarID,
		Code:     f.Code,
		Payload:  f,
		Info:     f.Info,
	})
	c.maybeFinishLocked()
}

// File возвращает успешно доставленный файл (финальный ответ
// исполнителя) или false, если выдача не состоялась.
func (c *GetFileConversation) File() (*protocol.GetFileFinal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.results {
		if f, ok := r.Payload.(protocol.GetFileFinal); ok && r.Code == protocol.CodeOperationCompleted {
			return &f, true
		}
	}
	return nil, false
}
