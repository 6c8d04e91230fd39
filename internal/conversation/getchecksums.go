// getchecksums.go — беседа GetChecksums: сбор контрольных сумм
// со всех pillar-ов коллекции.
//
// Фаза идентификации определяет, какие pillar-ы готовы отчитаться;
// фаза сбора ожидает финальный ответ от каждого из них. Ответ,
// который не разбирается в ожидаемый payload, исчерпывает outstanding,
// но значения в results не даёт — только предупреждение.
package conversation

import (
	"context"

	"github.com/bigkaa/bitpreserve/internal/protocol"
)

// GetChecksumsConversation — беседа сбора контрольных сумм.
type GetChecksumsConversation struct {
	*base
	request  protocol.GetChecksumsRequest
	pillars  []Pillar
	selector Selector
	dispatch map[protocol.MessageType]func(*protocol.Message)
}

// NewGetChecksumsConversation создаёт беседу GetChecksums.
// Пустой request.FileIDs означает «все файлы коллекции».
func NewGetChecksumsConversation(deps Deps, collectionID string, request protocol.GetChecksumsRequest, pillars []Pillar) *GetChecksumsConversation {
	c := &GetChecksumsConversation{
		base:     newBase(deps, string(protocol.OpGetChecksums), collectionID),
		request:  request,
		pillars:  pillars,
		selector: NewAllSelector(),
	}
	c.dispatch = map[protocol.MessageType]func(*protocol.Message){
		protocol.MsgIdentifyResponse:  c.onIdentify,
		protocol.MsgGetChecksumsFinal: c.onFinal,
	}
	return c
}

// Start рассылает запросы идентификации всем pillar-ам коллекции.
func (c *GetChecksumsConversation) Start(ctx context.Context) error {
	if err := c.open(ctx, c, c.deps.timeout()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.beginPhaseLocked(StateIdentifying, c.pillars)
	for _, p := range c.pillars {
		msg, err := protocol.NewMessage(protocol.MsgIdentifyRequest, c.collectionID, protocol.IdentifyRequest{
			Operation: protocol.OpGetChecksums,
		})
		if err != nil {
			return err
		}
		c.sendLocked(p.Destination, p.ID, msg)
	}
	return nil
}

// OnMessage реализует Conversation.
func (c *GetChecksumsConversation) OnMessage(msg *protocol.Message) {
	c.dispatchMessage(msg, c.dispatch)
}

// onIdentify — ответ идентификации; при готовности переходит к сбору
// со всех положительно идентифицировавшихся pillar-ов.
func (c *GetChecksumsConversation) onIdentify(msg *protocol.Message) {
	chosen, ready := c.handleIdentifyLocked(msg, c.selector)
	if !ready {
		return
	}

	c.beginPhaseLocked(StateExecuting, chosen)
	for _, p := range chosen {
		req, err := protocol.NewMessage(protocol.MsgGetChecksumsRequest, c.collectionID, c.request)
		if err != nil {
			c.failLocked("ошибка построения запроса контрольных сумм: " + err.Error())
			return
		}
		c.sendLocked(p.Destination, p.ID, req)
	}
}

// onFinal — финальный ответ со списком контрольных сумм.
func (c *GetChecksumsConversation) onFinal(msg *protocol.Message) {
	var f protocol.GetChecksumsFinal
	if err := msg.DecodePayload(&f); err != nil {
		c.emitLocked(EventWarning, msg.From, "нечитаемый ответ контрольных сумм: "+err.Error())
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

// Checksums возвращает собранные контрольные суммы по pillar-ам.
// В карту попадают только успешные финальные ответы.
func (c *GetChecksumsConversation) Checksums() map[string][]protocol.ChecksumItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]protocol.ChecksumItem)
	for pillarID, r := range c.results {
		if f, ok := r.Payload.(protocol.GetChecksumsFinal); ok && r.Code == protocol.CodeOperationCompleted {
			out[pillarID] = f.Items
		}
	}
	return out
}
