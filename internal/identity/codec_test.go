package identity

import (
	"testing"
	"time"

	"github.com/groupscribe/groupscribe/internal/models"
)

const selfJID = "999@s.whatsapp.net"

func msg(sender, text string) models.Message {
	return models.Message{
		SenderJID: sender,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestSendersGetTokensInFirstSeenOrder(t *testing.T) {
	c := NewCodec([]models.Message{
		msg("111@s.whatsapp.net", "hello"),
		msg("222@s.whatsapp.net", "hi"),
		msg("111@s.whatsapp.net", "again"),
	}, selfJID)

	if got := c.SenderToken("111@s.whatsapp.net"); got != "user_1" {
		t.Errorf("first sender token = %q, want user_1", got)
	}
	if got := c.SenderToken("222@s.whatsapp.net"); got != "user_2" {
		t.Errorf("second sender token = %q, want user_2", got)
	}
	if got := c.SenderToken(selfJID); got != BotToken {
		t.Errorf("self token = %q, want %q", got, BotToken)
	}
}

func TestMentionsOfNonParticipantsGetTokens(t *testing.T) {
	c := NewCodec([]models.Message{
		msg("111@s.whatsapp.net", "ask @333 about it"),
	}, selfJID)

	deid := c.Deidentify("ask @333 about it")
	if deid != "ask @user_2 about it" {
		t.Errorf("Deidentify = %q, want mention replaced with user_2", deid)
	}
}

func TestReidentifyIsLeftInverse(t *testing.T) {
	c := NewCodec([]models.Message{
		msg("111@s.whatsapp.net", "ping @222"),
		msg("222@s.whatsapp.net", "pong @111"),
	}, selfJID)

	original := "@111 talked to @222 and @999"
	deid := c.Deidentify(original)
	reverse := c.ReverseFor(deid)
	if got := Reidentify(deid, reverse); got != original {
		t.Errorf("round trip = %q, want %q", got, original)
	}
}

func TestReverseMapFilteredToTokensPresent(t *testing.T) {
	c := NewCodec([]models.Message{
		msg("111@s.whatsapp.net", "a"),
		msg("222@s.whatsapp.net", "b"),
		msg("333@s.whatsapp.net", "c"),
	}, selfJID)

	// The model output only references user_1; the others must not leak.
	reverse := c.ReverseFor("Summary crediting @user_1 only.")
	if len(reverse) != 1 {
		t.Fatalf("filtered reverse map has %d entries, want 1: %v", len(reverse), reverse)
	}
	if reverse["user_1"] != "111" {
		t.Errorf("reverse[user_1] = %q, want 111", reverse["user_1"])
	}
}

func TestUnassignedTokenLeftAsLiteral(t *testing.T) {
	c := NewCodec([]models.Message{msg("111@s.whatsapp.net", "a")}, selfJID)

	out := "credit to @user_7"
	reverse := c.ReverseFor(out)
	if got := Reidentify(out, reverse); got != out {
		t.Errorf("unassigned token was rewritten: %q", got)
	}
}

func TestLongerTokensReplacedFirst(t *testing.T) {
	reverse := map[string]string{
		"user_1":  "111",
		"user_10": "101010",
	}
	got := Reidentify("@user_10 and @user_1", reverse)
	if got != "@101010 and @111" {
		t.Errorf("Reidentify = %q, want %q", got, "@101010 and @111")
	}
}
