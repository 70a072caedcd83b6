// Package frame decodes the inference service's event stream into typed frames.
//
// Wire grammar (data lines accumulate until a blank line ends the frame):
//
//	stream  := { frame } [ "data:" SP "[DONE]" NL NL ]
//	frame   := { "data:" SP chunk NL } NL
//	payload := chunks joined with NL, a json-object or raw-text
//
// Lines starting with ":" and SSE fields other than data ("event:", "id:",
// "retry:") are ignored. A frame still open when the stream ends is decoded.
package frame

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type Kind string

const (
	KindToken    Kind = "token"
	KindComplete Kind = "complete"
)

// Frame is a tagged union: Text is set for token frames, Result for complete frames.
type Frame struct {
	Kind   Kind
	Text   string
	Result map[string]any
}

func Token(text string) Frame { return Frame{Kind: KindToken, Text: text} }

func Complete(result map[string]any) Frame { return Frame{Kind: KindComplete, Result: result} }

const (
	doneSentinel = "[DONE]"
	maxLineBytes = 1 << 20
)

// RemoteError is an explicit error frame sent by the service mid-stream.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil || strings.TrimSpace(e.Message) == "" {
		return "remote stream error"
	}
	return "remote stream error: " + e.Message
}

type Decoder struct {
	sc     *bufio.Scanner
	data   []string
	onLine func()
	done   bool
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Decoder{sc: sc}
}

// OnLine registers fn to run for every line read, comments and blank lines
// included.
func (d *Decoder) OnLine(fn func()) {
	d.onLine = fn
}

// Next returns the next frame. It returns io.EOF once the stream ends, after a
// "[DONE]" payload, or on any call following a complete frame.
func (d *Decoder) Next() (Frame, error) {
	if d.done {
		return Frame{}, io.EOF
	}
	for d.sc.Scan() {
		if d.onLine != nil {
			d.onLine()
		}
		line := strings.TrimRight(d.sc.Text(), "\r")
		if line != "" {
			if payload, ok := dataPayload(line); ok {
				d.data = append(d.data, payload)
			}
			continue
		}
		if f, ok, err := d.flush(); ok {
			return f, err
		}
	}
	if err := d.sc.Err(); err != nil {
		d.done = true
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, fmt.Errorf("frame line exceeds %d bytes: %w", maxLineBytes, err)
		}
		return Frame{}, err
	}
	f, ok, err := d.flush()
	d.done = true
	if ok {
		return f, err
	}
	return Frame{}, io.EOF
}

// flush decodes the pending data lines as one payload. ok reports whether
// Next should return f and err to its caller.
func (d *Decoder) flush() (f Frame, ok bool, err error) {
	if len(d.data) == 0 {
		return Frame{}, false, nil
	}
	payload := strings.Join(d.data, "\n")
	d.data = d.data[:0]
	if strings.TrimSpace(payload) == doneSentinel {
		d.done = true
		return Frame{}, true, io.EOF
	}
	f, emit, err := decodePayload(payload)
	if err != nil {
		d.done = true
		return Frame{}, true, err
	}
	if !emit {
		return Frame{}, false, nil
	}
	if f.Kind == KindComplete {
		d.done = true
	}
	return f, true, nil
}

func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	p := strings.TrimPrefix(line, "data:")
	p = strings.TrimPrefix(p, " ")
	if strings.TrimSpace(p) == "" {
		return "", false
	}
	return p, true
}

// decodePayload validates one payload at the boundary. Anything that is not a
// recognised token/complete/error shape becomes a raw token.
func decodePayload(payload string) (Frame, bool, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil || obj == nil {
		return Token(payload), true, nil
	}

	kind := strings.ToLower(firstString(obj, "kind", "type", "event"))
	switch kind {
	case "complete", "completed", "result":
		res, ok := obj["result"].(map[string]any)
		if !ok {
			return Token(payload), true, nil
		}
		return Complete(res), true, nil
	case "error":
		return Frame{}, false, &RemoteError{Message: firstString(obj, "message", "error")}
	case "token", "delta", "":
		if text, ok := tokenText(obj); ok {
			if text == "" {
				return Frame{}, false, nil
			}
			return Token(text), true, nil
		}
	}
	return Token(payload), true, nil
}

// tokenText understands the current {"kind":"token","text":...} shape and the
// legacy {"token"|"delta"|"content":...} and chat-completion delta shapes.
func tokenText(obj map[string]any) (string, bool) {
	for _, k := range []string{"text", "token", "delta", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	c0, _ := choices[0].(map[string]any)
	delta, _ := c0["delta"].(map[string]any)
	if s, ok := delta["content"].(string); ok {
		return s, true
	}
	return "", false
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
