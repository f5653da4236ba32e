package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// doneSentinel is the literal payload that terminates a stream
// regardless of shape.
const doneSentinel = "[DONE]"

// FrameKind discriminates the closed set of stream frame variants.
type FrameKind int

const (
	// FrameContent carries an incremental text chunk to append.
	FrameContent FrameKind = iota
	// FrameDone signals the terminal frame of the stream. It may
	// carry the conversation id and the final sources list.
	FrameDone
)

// Frame is one classified unit of the assistant event stream.
type Frame struct {
	Kind    FrameKind
	Content string
	ChatID  string
	ChatURL string
	Sources []Source
}

type framePayload struct {
	Content string   `json:"content"`
	Type    string   `json:"type"`
	ChatID  string   `json:"chat_id"`
	ChatURL string   `json:"chat_url"`
	Sources []Source `json:"sources"`
}

// dataPayload extracts the payload of a "data:" line. Lines without
// the prefix belong to frame metadata the client does not inspect.
func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(line[len("data:"):]), true
}

// classifyFrame parses one data payload into a Frame. The sentinel
// payload maps to FrameDone; anything that is not valid JSON is a
// malformed frame and reported as an error so the caller can skip it.
func classifyFrame(payload string) (Frame, error) {
	if payload == doneSentinel {
		return Frame{Kind: FrameDone}, nil
	}

	var decoded framePayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Frame{}, fmt.Errorf("malformed stream frame: %w", err)
	}

	frame := Frame{
		Content: decoded.Content,
		ChatID:  decoded.ChatID,
		ChatURL: decoded.ChatURL,
		Sources: decoded.Sources,
	}

	if strings.EqualFold(decoded.Type, "done") {
		frame.Kind = FrameDone
		return frame, nil
	}

	frame.Kind = FrameContent
	return frame, nil
}
