// putfile.go — беседа PutFile: сохранение файла на всех pillar-ах
// коллекции. Исполнение идёт на всех положительно
// идентифицировавшихся pillar-ах; негативы фиксируются как итог
// contributor-а и дают PartiallyComplete.
package conversation

import (
	"context"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// PutFileConversation — беседа сохранения файла.
type PutFileConversation struct {
	*base
	request  protocol.PutFileRequest
	pillars  []Pillar
	selector Selector
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewPutFileConversation создаёт беседу PutFile.
func NewPutFileConversation(deps Deps, collectionID string, request protocol.PutFileRequest, pillars []Pillar) *PutFileConversation {
	c := &PutFileConversation{
		base:     newBase(deps, string(protocol.OpPutFile), collectionID),
		request:  request,
		pillars:  pillars,
		selector: NewAllSelector(),
	}
	c.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyResponse: c.onIdentify,
		protocol.MsgPutFileFinal:     c.onFinal,
	}
	return c
}

// Start рассылает запросы идентификации всем pillar-ам коллекции.
func (c *PutFileConversation) Start(ctx context.Context) error {
	if err := c.open(ctx, c, c.deps.timeout()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginPhaseLocked(StateIdentifying, c.pillars)
	for _, p := range c.pillars {
		msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, c.collectionID, protocol.IdentifyRequest{
			Operation: protocol.OpPutFile,
			FileID:    c.request.FileID,
			FileSize:  c.request.FileSize,
		})
		if err != nil {
			return err
		}
		c.sendLocked(p.Destination, p.ID, msg)
	}
	return nil
}

// OnMessage реализует Conversation.
func (c *PutFileConversation) OnMessage(msg *protocol.Message) {
	c.dispatchMessage(msg, c.dispatch)
}

func (c *PutFileConversation) onIdentify(msg *protocol.Message) {
	chosen, ready := c.handleIdentifyLocked(msg, c.selector)
	if !ready {
		return
	}

	c.beginPhaseLocked(StateExecuting, chosen)
	for _, p := range chosen {
		req, err := protocol.NewMessage(protocol.MsgPutFileRequest, c.collectionID, c.request)
		if err != nil {
			c.failLocked("ошибка построения запроса сохранения: " + err.Error())
			return
		}
		c.sendLocked(p.Destination, p.ID, req)
	}
}

func (c *PutFileConversation) onFinal(msg *protocol.Message) {
	var f protocol.PutFileFinal
	if err := msg.DecodePayload(&f); err != nil {
		c.emitLocked(EventWarning, msg.From, "нечитаемый финальный ответ сохранения: "+err.Error())
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

// StoredAt возвращает pillar-ы, подтвердившие сохранение файла.
func (c *PutFileConversation) StoredAt() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for pillarID, r := range c.results {
		if _, ok := r.Payload.(protocol.PutFileFinal); ok && r.Code == protocol.CodeOperationCompleted {
			out = append(out, pillarID)
		}
	}
	return out
}
