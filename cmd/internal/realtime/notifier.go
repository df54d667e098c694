package realtime

import (
	"encoding/json"
	"time"

	"harbor/cmd/internal/messaging"
	v1 "harbor/shared/contracts/realtime/v1"
)

// HubNotifier bridges messaging state changes onto live channels. It
// implements messaging.Notifier; every method is non-blocking because
// Hub.Push is non-blocking.
type HubNotifier struct {
	hub *Hub
}

// NewHubNotifier constructs the bridge.
func NewHubNotifier(hub *Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

// MessageCreated pushes the new record to the recipient's channel.
func (n *HubNotifier) MessageCreated(msg messaging.Message) {
	n.push(msg.RecipientID, v1.TypeMessageNew, v1.MessageNewPayload{Message: ToRecord(msg)})
}

// ConversationRead pushes a read receipt to the partner whose messages
// were read.
func (n *HubNotifier) ConversationRead(partnerID, readerID string, modified int64, at time.Time) {
	n.push(partnerID, v1.TypeReadReceipt, v1.ReadReceiptPayload{
		ReaderID:      readerID,
		ModifiedCount: modified,
		ReadAt:        at,
	})
}

// MessageDeleted pushes the tombstone notice to both participants.
func (n *HubNotifier) MessageDeleted(msg messaging.Message, actorID string) {
	payload := v1.MessageDeletedPayload{MessageID: msg.ID, DeletedBy: actorID}
	n.push(msg.SenderID, v1.TypeMessageDeleted, payload)
	n.push(msg.RecipientID, v1.TypeMessageDeleted, payload)
}

// MessageUpdated pushes the refreshed record to both participants.
func (n *HubNotifier) MessageUpdated(msg messaging.Message) {
	payload := v1.MessageUpdatedPayload{Message: ToRecord(msg)}
	n.push(msg.SenderID, v1.TypeMessageUpdated, payload)
	n.push(msg.RecipientID, v1.TypeMessageUpdated, payload)
}

func (n *HubNotifier) push(userID, typ string, payload any) {
	if n == nil || n.hub == nil {
		return
	}
	env, err := NewServerEnvelope(typ, payload)
	if err != nil {
		n.hub.log.Error("notify.encode.failed", "type", typ, "err", err)
		return
	}
	n.hub.Push(userID, env)
}

// NewServerEnvelope wraps a payload in a stamped server-originated envelope.
func NewServerEnvelope(typ string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}, nil
}

// ToRecord converts the persisted message into its wire form.
func ToRecord(m messaging.Message) v1.MessageRecord {
	return v1.MessageRecord{
		ID:                m.ID,
		SenderID:          m.SenderID,
		RecipientID:       m.RecipientID,
		SenderDisplayName: m.SenderDisplayName,
		Body:              m.Body,
		Kind:              string(m.Kind),
		Category:          string(m.Category),
		Priority:          string(m.Priority),
		Status:            string(m.Status),
		ReadAt:            m.ReadAt,
		IsDeleted:         m.IsDeleted,
		IsEdited:          m.IsEdited,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}
