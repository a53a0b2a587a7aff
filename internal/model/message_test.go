package model

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeRow_NumericAndStringIDs(t *testing.T) {
	msg, err := DecodeRow([]byte(`{"id":42,"session_id":"s1","message":{"type":"human","content":"Hi"},"created_at":"2024-05-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeRow() error = %v", err)
	}
	if msg.ID != "42" || msg.Kind != KindHuman || msg.Content != "Hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	msg, err = DecodeRow([]byte(`{"id":"6f1c","session_id":"s1","message":{"type":"ai","content":"**hey**"}}`))
	if err != nil {
		t.Fatalf("DecodeRow() error = %v", err)
	}
	if msg.ID != "6f1c" || msg.Kind != KindAssistant {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeRow_RejectsUnknownKind(t *testing.T) {
	_, err := DecodeRow([]byte(`{"id":1,"session_id":"s1","message":{"type":"system","content":"x"}}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}

	_, err = DecodeRow([]byte(`{"id":1,"message":{"type":"human","content":"x"}}`))
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("missing session: err = %v, want ErrInvalidMessage", err)
	}
}

func TestNewMessageValidate(t *testing.T) {
	if err := (NewMessage{SessionID: "s", Kind: KindHuman}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := (NewMessage{SessionID: " ", Kind: KindHuman}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("blank session: err = %v", err)
	}
	if err := (NewMessage{SessionID: "s", Kind: "bot"}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("bad kind: err = %v", err)
	}
}

func TestSummarize_FirstHumanPerSession(t *testing.T) {
	messages := []Message{
		{ID: "1", SessionID: "X", Kind: KindAssistant, Content: "welcome"},
		{ID: "2", SessionID: "X", Kind: KindHuman, Content: "Hi X"},
		{ID: "3", SessionID: "Y", Kind: KindHuman, Content: "Hi Y"},
		{ID: "4", SessionID: "X", Kind: KindHuman, Content: "second"},
		{ID: "5", SessionID: "Z", Kind: KindAssistant, Content: "only ai"},
	}

	got := Summarize(messages)
	want := []Conversation{{SessionID: "X", Title: "Hi X"}, {SessionID: "Y", Title: "Hi Y"}}
	if len(got) != len(want) {
		t.Fatalf("Summarize() len = %d, want %d (%+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Summarize()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSummarize_TruncatesTitle(t *testing.T) {
	long := strings.Repeat("é", 150)
	got := Summarize([]Message{{ID: "1", SessionID: "s", Kind: KindHuman, Content: long}})
	if len(got) != 1 {
		t.Fatalf("expected one conversation")
	}
	if n := len([]rune(got[0].Title)); n != TitleLength {
		t.Fatalf("title length = %d runes, want %d", n, TitleLength)
	}
}

func TestSummarize_Empty(t *testing.T) {
	if got := Summarize(nil); len(got) != 0 {
		t.Fatalf("Summarize(nil) = %+v, want empty", got)
	}
}

func TestDecodeRow_TimestampLayouts(t *testing.T) {
	cases := []string{
		"2024-05-01T10:00:00.123456+00:00",
		"2024-05-01 10:00:00.123456+00",
		"2024-05-01T10:00:00.123456",
	}
	for _, ts := range cases {
		msg, err := DecodeRow([]byte(`{"id":1,"session_id":"s","message":{"type":"human","content":"x"},"created_at":"` + ts + `"}`))
		if err != nil {
			t.Fatalf("DecodeRow(%q) error = %v", ts, err)
		}
		if msg.CreatedAt.UTC().Hour() != 10 || msg.CreatedAt.Nanosecond() != 123456000 {
			t.Fatalf("DecodeRow(%q) created_at = %v", ts, msg.CreatedAt)
		}
	}
}
