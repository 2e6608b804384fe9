package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/threadline/internal/config"
)

// fragmentWriter puts agent fragments on the wire in one framing.
type fragmentWriter interface {
	ContentType() string
	Fragment(text string) error
	Done() error
	// Fail reports a terminal error after headers were committed. It returns
	// false when the framing has no way to carry it.
	Fail(err error) (bool, error)
}

func newFragmentWriter(framing string, resp *echo.Response) fragmentWriter {
	if framing == config.FramingRaw {
		return &rawWriter{resp: resp}
	}
	return &sseWriter{resp: resp}
}

// rawWriter writes each fragment verbatim into a text/plain body.
type rawWriter struct {
	resp *echo.Response
}

func (w *rawWriter) ContentType() string { return echo.MIMETextPlainCharsetUTF8 }

func (w *rawWriter) Fragment(text string) error {
	if _, err := w.resp.Write([]byte(text)); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

func (w *rawWriter) Done() error { return nil }

func (w *rawWriter) Fail(error) (bool, error) { return false, nil }

// sseWriter frames fragments as server-sent events terminated by [DONE].
type sseWriter struct {
	resp *echo.Response
}

type ssePayload struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (w *sseWriter) ContentType() string { return "text/event-stream; charset=utf-8" }

func (w *sseWriter) Fragment(text string) error {
	data, err := json.Marshal(ssePayload{Content: text})
	if err != nil {
		return err
	}
	return w.write("data: %s\n\n", data)
}

func (w *sseWriter) Done() error {
	return w.write("data: [DONE]\n\n")
}

func (w *sseWriter) Fail(cause error) (bool, error) {
	data, err := json.Marshal(ssePayload{Error: cause.Error()})
	if err != nil {
		return false, err
	}
	return true, w.write("event: error\ndata: %s\n\n", data)
}

func (w *sseWriter) write(format string, args ...interface{}) error {
	if _, err := fmt.Fprintf(w.resp, format, args...); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

func setStreamHeaders(h http.Header, threadID, contentType string) {
	h.Set(echo.HeaderContentType, contentType)
	h.Set(HeaderThreadID, threadID)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
