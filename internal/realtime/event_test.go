package realtime

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
		kind ErrorKind
	}{
		{"authenticate", `{"event":"authenticate","data":{"credential":"abc"}}`, AuthenticateCmd{Credential: "abc"}, 0},
		{"join", `{"event":"join_conversation","data":{"conversationId":4}}`, JoinConversationCmd{ConversationID: 4}, 0},
		{"leave", `{"event":"leave_conversation","data":{"conversationId":4}}`, LeaveConversationCmd{ConversationID: 4}, 0},
		{"typing start", `{"event":"typing_start","data":{"conversationId":4}}`, TypingCmd{ConversationID: 4, IsTyping: true}, 0},
		{"typing stop", `{"event":"typing_stop","data":{"conversationId":4}}`, TypingCmd{ConversationID: 4}, 0},
		{"mark read", `{"event":"mark_messages_read","data":{"conversationId":4}}`, MarkMessagesReadCmd{ConversationID: 4}, 0},
		{"logout without data", `{"event":"logout"}`, LogoutCmd{}, 0},
		{"join without id", `{"event":"join_conversation","data":{}}`, nil, KindValidation},
		{"wrong type", `{"event":"mark_messages_read","data":{"conversationId":"4"}}`, nil, KindValidation},
		{"not json", `{`, nil, KindValidation},
		{"unknown", `{"event":"delete_everything","data":{}}`, nil, KindUnrecognized},
		{"server event", `{"event":"new_message","data":{}}`, nil, KindUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.raw))
			if tt.kind != 0 {
				if !IsKind(err, tt.kind) {
					t.Fatalf("err = %v, want kind %s", err, tt.kind.Code())
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeSendMessageKeepsTempIDBytes(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"event":"send_message","data":{"conversationId":9,"content":"hi","tempId":{"n": 1}}}`))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	send, ok := cmd.(SendMessageCmd)
	if !ok {
		t.Fatalf("got %T, want SendMessageCmd", cmd)
	}
	if send.ConversationID != 9 || send.Content != "hi" {
		t.Errorf("send = %+v", send)
	}
	if string(send.TempID) != `{"n": 1}` {
		t.Errorf("tempId = %s, want the original bytes", send.TempID)
	}
}

func TestPreview(t *testing.T) {
	short := "hello"
	if got := preview(short); got != short {
		t.Errorf("preview(%q) = %q", short, got)
	}
	long := make([]rune, notificationPreviewRunes+10)
	for i := range long {
		long[i] = 'ü'
	}
	got := []rune(preview(string(long)))
	if len(got) != notificationPreviewRunes+1 {
		t.Errorf("preview length = %d runes, want %d", len(got), notificationPreviewRunes+1)
	}
}

func TestNewEventLogsUnencodablePayload(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	ev := NewEvent(EventMessageError, ErrorPayload{Message: "x", TempID: json.RawMessage("{oops")})
	if ev.Kind != EventMessageError || ev.Data != nil {
		t.Errorf("event = %s %q, want message_error without data", ev.Kind, ev.Data)
	}
	if got := logs.FilterMessage("encode event payload").Len(); got != 1 {
		t.Errorf("logged %d encode failures, want 1", got)
	}

	if ok := NewEvent(EventUserOnline, PresencePayload{UserID: 1}); ok.Data == nil {
		t.Error("valid payload encoded without data")
	}
}
