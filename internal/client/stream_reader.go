package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Framing selects how a response body is split into chunks.
type Framing int

const (
	// FramingLines decodes newline separated records, SSE or plain.
	FramingLines Framing = iota
	// FramingRaw emits every decoded fragment verbatim.
	FramingRaw
)

// FramingFor picks the framing for a response Content-Type. Unknown types use
// FramingLines.
func FramingFor(contentType string) Framing {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FramingLines
	}
	if mediaType == "text/plain" {
		return FramingRaw
	}
	return FramingLines
}

// StreamHandler receives decoded chunks in order. Returning an error stops the read.
type StreamHandler func(chunk string) error

const readBufferSize = 4096

// ReadStream decodes body and feeds chunks to h until the stream completes.
// It returns nil on completion, an *AgentError for an in-band error record,
// and otherwise the first read, handler or context error.
func ReadStream(ctx context.Context, body io.Reader, framing Framing, h StreamHandler) error {
	decoded := transform.NewReader(body, unicode.UTF8.NewDecoder())
	buf := make([]byte, readBufferSize)
	var pending strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := decoded.Read(buf)
		if n > 0 {
			text := string(buf[:n])
			if framing == FramingRaw {
				if err := h(text); err != nil {
					return err
				}
			} else {
				pending.WriteString(text)
				done, err := drainLines(&pending, h)
				if err != nil || done {
					return err
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			if framing == FramingLines && pending.Len() > 0 {
				if _, err := handleLine(pending.String(), h); err != nil {
					return err
				}
			}
			return nil
		}
		if readErr != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			return readErr
		}
	}
}

// drainLines handles every complete line in pending and keeps the remainder.
func drainLines(pending *strings.Builder, h StreamHandler) (bool, error) {
	data := pending.String()
	last := strings.LastIndexByte(data, '\n')
	if last < 0 {
		return false, nil
	}

	rest := data[last+1:]
	pending.Reset()
	pending.WriteString(rest)

	for _, line := range strings.Split(data[:last], "\n") {
		done, err := handleLine(line, h)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

type dataRecord struct {
	Content *string `json:"content"`
	Error   *string `json:"error"`
}

// handleLine applies the record precedence to a single line. It reports true
// once [DONE] is seen.
func handleLine(line string, h StreamHandler) (bool, error) {
	line = strings.TrimSuffix(line, "\r")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, nil
	}

	if payload, ok := strings.CutPrefix(strings.TrimLeft(line, " \t"), "data:"); ok {
		payload = strings.TrimPrefix(payload, " ")
		if strings.TrimSpace(payload) == "[DONE]" {
			return true, nil
		}
		if strings.HasPrefix(strings.TrimSpace(payload), "{") {
			var rec dataRecord
			if err := json.Unmarshal([]byte(payload), &rec); err == nil {
				switch {
				case rec.Content != nil:
					return false, emit(h, *rec.Content)
				case rec.Error != nil:
					return true, &AgentError{Message: *rec.Error}
				}
			}
		}
		return false, emit(h, payload)
	}

	for _, prefix := range []string{"event:", "id:", "retry:", ":"} {
		if strings.HasPrefix(trimmed, prefix) {
			return false, nil
		}
	}
	return false, emit(h, trimmed)
}

func emit(h StreamHandler, chunk string) error {
	if chunk == "" {
		return nil
	}
	return h(chunk)
}
