package chat

import (
	"strings"
	"testing"
)

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: {\"content\":\"hi\"}", "{\"content\":\"hi\"}", true},
		{"data:{\"content\":\"hi\"}", "{\"content\":\"hi\"}", true},
		{"event: message", "", false},
		{": keepalive", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		payload, ok := dataPayload(tt.line)
		if ok != tt.ok {
			t.Fatalf("dataPayload(%q) ok = %v, want %v", tt.line, ok, tt.ok)
		}
		if payload != tt.payload {
			t.Fatalf("dataPayload(%q) = %q, want %q", tt.line, payload, tt.payload)
		}
	}
}

func TestClassifyFrameContent(t *testing.T) {
	frame, err := classifyFrame(`{"content":"consideration is"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameContent {
		t.Fatalf("expected content frame, got %v", frame.Kind)
	}
	if frame.Content != "consideration is" {
		t.Fatalf("unexpected content: %q", frame.Content)
	}
}

func TestClassifyFrameDone(t *testing.T) {
	frame, err := classifyFrame(`{"type":"done","chat_id":"c-1","sources":[{"title":"Contract Law","url":"https://example.com"}]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameDone {
		t.Fatalf("expected done frame, got %v", frame.Kind)
	}
	if frame.ChatID != "c-1" {
		t.Fatalf("expected chat id c-1, got %q", frame.ChatID)
	}
	if len(frame.Sources) != 1 || frame.Sources[0].Title != "Contract Law" {
		t.Fatalf("unexpected sources: %+v", frame.Sources)
	}
}

func TestClassifyFrameSentinel(t *testing.T) {
	frame, err := classifyFrame("[DONE]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameDone {
		t.Fatalf("expected done frame for sentinel, got %v", frame.Kind)
	}
}

func TestClassifyFrameMalformed(t *testing.T) {
	_, err := classifyFrame("{not json")
	if err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("unexpected error: %v", err)
	}
}
