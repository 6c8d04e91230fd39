// getfileids.go — беседа GetFileIDs: сбор перечня файлов коллекции
// со всех pillar-ов. Структурно повторяет GetChecksums.
package conversation

import (
	"context"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// GetFileIDsConversation — беседа сбора перечня файлов.
type GetFileIDsConversation struct {
	*base
	request  protocol.GetFileIDsRequest
	pillars  []Pillar
	selector Selector
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewGetFileIDsConversation создаёт беседу GetFileIDs.
func NewGetFileIDsConversation(deps Deps, collectionID string, request protocol.GetFileIDsRequest, pillars []Pillar) *GetFileIDsConversation {
	c := &GetFileIDsConversation{
		base:     newBase(deps, string(protocol.OpGetFileIDs), collectionID),
		request:  request,
		pillars:  pillars,
		selector: NewAllSelector(),
	}
	c.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyResponse: c.onIdentify,
		protocol.MsgGetFileIDsFinal:  c.onFinal,
	}
	return c
}

// Start рассылает запросы идентификации всем pillar-ам коллекции.
func (c *GetFileIDsConversation) Start(ctx context.Context) error {
	if err := c.open(ctx, c, c.deps.timeout()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginPhaseLocked(StateIdentifying, c.pillars)
	for _, p := range c.pillars {
		msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, c.collectionID, protocol.IdentifyRequest{
			Operation: protocol.OpGetFileIDs,
		})
		if err != nil {
			return err
		}
		c.sendLocked(p.Destination, p.ID, msg)
	}
	return nil
}

// OnMessage реализует Conversation.
func (c *GetFileIDsConversation) OnMessage(msg *protocol.Message) {
	c.dispatchMessage(msg, c.dispatch)
}

func (c *GetFileIDsConversation) onIdentify(msg *protocol.Message) {
	chosen, ready := c.handleIdentifyLocked(msg, c.selector)
	if !ready {
		return
	}

	c.beginPhaseLocked(StateExecuting, chosen)
	for _, p := range chosen {
		req, err := protocol.NewMessage(protocol.MsgGetFileIDsRequest, c.collectionID, c.request)
		if err != nil {
			c.failLocked("ошибка построения запроса перечня файлов: " + err.Error())
			return
		}
		c.sendLocked(p.Destination, p.ID, req)
	}
}

func (c *GetFileIDsConversation) onFinal(msg *protocol.Message) {
	var f protocol.GetFileIDsFinal
	if err := msg.DecodePayload(&f); err != nil {
		c.emitLocked(EventWarning, msg.From, "нечитаемый ответ перечня файлов: "+err.Error())
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

// FileIDs возвращает собранные перечни файлов по pillar-ам.
// В карту попадают только успешные финальные ответы.
func (c *GetFileIDsConversation) FileIDs() map[string][]protocol.FileIDItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]protocol.FileIDItem)
	for pillarID, r := range c.results {
		if f, ok := r.Payload.(protocol.GetFileIDsFinal); ok && r.Code == protocol.CodeOperationCompleted {
			out[pillarID] = f.Items
		}
	}
	return out
}
