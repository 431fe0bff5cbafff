package gateway

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestToMessageGroupDelivery(t *testing.T) {
	raw := `{
		"sender_id": "12345:2@s.whatsapp.net",
		"chat_id": "67890@g.us",
		"pushname": "Dana",
		"timestamp": "2025-03-01T10:00:00Z",
		"message": {"id": "ABC", "text": "hello", "replied_id": "XYZ"}
	}`
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msg := payload.ToMessage()
	if msg.ID != "ABC" || msg.Text != "hello" || msg.ReplyToID != "XYZ" {
		t.Errorf("unexpected message fields: %+v", msg)
	}
	if msg.SenderJID != "12345@s.whatsapp.net" {
		t.Errorf("device suffix not stripped: %q", msg.SenderJID)
	}
	if msg.GroupJID != "67890@g.us" {
		t.Errorf("group chat not recognized: %q", msg.GroupJID)
	}
	if !msg.Timestamp.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
	if sender := payload.Sender(); sender.PushName != "Dana" {
		t.Errorf("sender = %+v", sender)
	}
}

func TestToMessageDirectChatHasNoGroup(t *testing.T) {
	payload := WebhookPayload{SenderJID: "111@s.whatsapp.net", ChatJID: "111@s.whatsapp.net"}
	payload.Message.ID = "m1"
	if msg := payload.ToMessage(); msg.GroupJID != "" {
		t.Errorf("direct chat got group JID %q", msg.GroupJID)
	}
}

func TestToMessageImageCaption(t *testing.T) {
	raw := `{
		"sender_id": "111@s.whatsapp.net",
		"chat_id": "200@g.us",
		"message": {"id": "m1"},
		"image": {"caption": "sunset", "media_path": "/media/a.jpg"}
	}`
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	msg := payload.ToMessage()
	if msg.Text != "[[Attached Image]] sunset" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.MediaURL != "/media/a.jpg" {
		t.Errorf("media url = %q", msg.MediaURL)
	}
}

func TestToMessageGeneratesMissingID(t *testing.T) {
	payload := WebhookPayload{SenderJID: "111", ChatJID: "200@g.us"}
	msg := payload.ToMessage()
	if !strings.HasPrefix(msg.ID, "na-") || len(msg.ID) <= len("na-") {
		t.Errorf("missing id not generated: %q", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("zero timestamp not defaulted")
	}
}
