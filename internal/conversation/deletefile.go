// deletefile.go — беседа DeleteFile: удаление файла на названных
// pillar-ах. Используется workflow-ами восстановления (повторное
// сохранение повреждённой реплики начинается с удаления).
package conversation

import (
	"context"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// DeleteFileConversation — беседа удаления файла на подмножестве pillar-ов.
type DeleteFileConversation struct {
	*base
	request  protocol.DeleteFileRequest
	pillars  []Pillar
	selector Selector
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewDeleteFileConversation создаёт беседу DeleteFile.
// pillars — только те pillar-ы, на которых файл должен быть удалён.
func NewDeleteFileConversation(deps Deps, collectionID string, request protocol.DeleteFileRequest, pillars []Pillar) *DeleteFileConversation {
	c := &DeleteFileConversation{
		base:     newBase(deps, string(protocol.OpDeleteFile), collectionID),
		request:  request,
		pillars:  pillars,
		selector: NewAllSelector(),
	}
	c.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyResponse: c.onIdentify,
		protocol.MsgDeleteFileFinal:  c.onFinal,
	}
	return c
}

// Start рассылает запросы идентификации названным pillar-ам.
func (c *DeleteFileConversation) Start(ctx context.Context) error {
	if err := c.open(ctx, c, c.deps.timeout()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginPhaseLocked(StateIdentifying, c.pillars)
	for _, p := range c.pillars {
		msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, c.collectionID, protocol.IdentifyRequest{
			Operation: protocol.OpDeleteFile,
			FileID:    c.request.FileID,
		})
		if err != nil {
			return err
		}
		c.sendLocked(p.Destination, p.ID, msg)
	}
	return nil
}

// OnMessage реализует Conversation.
func (c *DeleteFileConversation) OnMessage(msg *protocol.Message) {
	c.dispatchMessage(msg, c.dispatch)
}

func (c *DeleteFileConversation) onIdentify(msg *protocol.Message) {
	chosen, ready := c.handleIdentifyLocked(msg, c.selector)
	if !ready {
		return
	}

	c.beginPhaseLocked(StateExecuting, chosen)
	for _, p := range chosen {
		req, err := protocol.NewMessage(protocol.MsgDeleteFileRequest, c.collectionID, c.request)
		if err != nil {
			c.failLocked("ошибка построения запроса удаления: " + err.Error())
			return
		}
		c.sendLocked(p.Destination, p.ID, req)
	}
}

func (c *DeleteFileConversation) onFinal(msg *protocol.Message) {
	var f protocol.DeleteFileFinal
	if err := msg.DecodePayload(&f); err != nil {
		c.emitLocked(EventWarning, msg.From, "нечитаемый финальный ответ удаления: "+err.Error())
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
