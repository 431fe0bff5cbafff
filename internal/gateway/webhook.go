package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/groupscribe/groupscribe/internal/models"
)

// attachedImageMarker stands in for image content in stored message text so
// topic synthesis knows a picture was shared even without its caption.
const attachedImageMarker = "[[Attached Image]]"

// WebhookPayload is one inbound delivery from the gateway. Only the fields
// the bot consumes are declared; the gateway sends more.
type WebhookPayload struct {
	SenderJID string    `json:"sender_id"`
	ChatJID   string    `json:"chat_id"`
	PushName  string    `json:"pushname"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		RepliedID string `json:"replied_id"`
	} `json:"message"`
	Image *struct {
		Caption   string `json:"caption"`
		MediaPath string `json:"media_path"`
	} `json:"image"`
}

// ToMessage converts a delivery into the stored message form. JIDs are
// normalized, image deliveries become a marker plus caption, and deliveries
// without a message ID get a generated one so storage never rejects them.
func (p *WebhookPayload) ToMessage() models.Message {
	chatJID := models.NormalizeJID(p.ChatJID)

	msg := models.Message{
		ID:        p.Message.ID,
		ChatJID:   chatJID,
		SenderJID: models.NormalizeJID(p.SenderJID),
		Timestamp: p.Timestamp,
		Text:      p.Message.Text,
		ReplyToID: p.Message.RepliedID,
	}
	if models.IsGroupJID(chatJID) {
		msg.GroupJID = chatJID
	}
	if p.Image != nil {
		msg.MediaURL = p.Image.MediaPath
		msg.Text = attachedImageMarker
		if p.Image.Caption != "" {
			msg.Text += " " + p.Image.Caption
		}
	}
	if msg.ID == "" {
		msg.ID = "na-" + uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Sender returns the sender record carried by the delivery.
func (p *WebhookPayload) Sender() models.Sender {
	return models.Sender{
		JID:      models.NormalizeJID(p.SenderJID),
		PushName: p.PushName,
	}
}
