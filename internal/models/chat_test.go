package models

import (
	"encoding/json"
	"testing"
)

func TestQueueMessageWireFormat(t *testing.T) {
	in := QueueMessage{
		Sender:      "alice",
		ChatType:    ChatTypeDirect,
		MessageType: MessageTypeServer,
		Recipient:   "alice_bob",
		Body:        "User alice is direct chatting with bob",
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"sender":"alice","chat_type":"Direct","msg_type":"Server","recipient":"alice_bob","msg":"User alice is direct chatting with bob"}`
	if string(data) != want {
		t.Fatalf("wire format = %s, want %s", data, want)
	}

	var out QueueMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestQueueMessageRejectsUnknownEnums(t *testing.T) {
	payloads := []string{
		`{"sender":"a","chat_type":"Group","msg_type":"Room","recipient":"lobby","msg":"x"}`,
		`{"sender":"a","chat_type":"Room","msg_type":"Shout","recipient":"lobby","msg":"x"}`,
	}
	for _, p := range payloads {
		var qm QueueMessage
		if err := json.Unmarshal([]byte(p), &qm); err == nil {
			t.Errorf("expected error decoding %s", p)
		}
	}
}

func TestMessageTypeColor(t *testing.T) {
	tests := map[MessageType]string{
		MessageTypeDirect:  "blue",
		MessageTypeRoom:    "white",
		MessageTypeWhisper: "pink",
		MessageTypeServer:  "green",
	}
	for mt, want := range tests {
		if got := mt.Color(); got != want {
			t.Errorf("%s.Color() = %q, want %q", mt, got, want)
		}
	}
}

func TestNotice(t *testing.T) {
	n := Notice("User %s is not currently online. Try again", "carol")
	if n.Text != "User carol is not currently online. Try again" || n.Color != ColorGreen {
		t.Errorf("Notice = %+v", n)
	}
	if got := Notice("You cannot whisper to yourself").Text; got != "You cannot whisper to yourself" {
		t.Errorf("Notice without args = %q", got)
	}
}
