package llm

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

const maxLineSize = 1024 * 1024

// sseEvent is one server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// sseReader splits a text/event-stream body into events.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &sseReader{body: body, scanner: scanner}
}

// Next returns the next event with a non-empty data field, or io.EOF.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	var data []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}

func (r *sseReader) Close() error { return r.body.Close() }

// lineReader splits a newline-delimited JSON body.
type lineReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newLineReader(body io.ReadCloser) *lineReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineReader{body: body, scanner: scanner}
}

// Next returns the next non-blank line, or io.EOF.
func (r *lineReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *lineReader) Close() error { return r.body.Close() }

// checkStatus drains and closes resp.Body on non-200 responses.
func checkStatus(provider string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
