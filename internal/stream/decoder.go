// Package stream decodes the chat endpoint's line-oriented event stream into
// text increments and a final aggregated reply.
//
// The wire format is a sequence of newline-terminated lines. Lines starting
// with "data: " carry either the "[DONE]" sentinel or a payload; payloads are
// JSON objects with optional content, route and sources fields. Payloads that
// do not parse as such an object, or whose content field is not a string,
// are delivered verbatim as text. Malformed route or sources fields are
// skipped and reported to the decode observer.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"UniNavigator/internal/session"
)

const (
	EventPrefix  = "data: "
	DoneSentinel = "[DONE]"

	readChunkSize = 4096
)

// Sink receives text increments in arrival order
type Sink func(increment string)

// Result is the aggregated reply handed over once the stream ends
type Result struct {
	FullText string
	Route    string
	Sources  []string
}

// Decoder accumulates chunks and emits increments for completed lines.
// It is not safe for concurrent use.
type Decoder struct {
	sink      Sink
	buf       []byte
	result    Result
	done      bool
	fallbacks int
	onDecode  func(*session.DecodeError)
}

// NewDecoder creates a decoder delivering increments to sink (which may be nil)
func NewDecoder(sink Sink) *Decoder {
	return &Decoder{sink: sink}
}

// OnDecodeError registers an observer for payloads recovered as plain text
func (d *Decoder) OnDecodeError(fn func(*session.DecodeError)) {
	d.onDecode = fn
}

// Feed processes every complete line in chunk, keeping any trailing partial
// line for the next call. It reports whether the stream has been finalized.
func (d *Decoder) Feed(chunk []byte) bool {
	if d.done {
		return true
	}
	d.buf = append(d.buf, chunk...)
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		d.processLine(line)
	}
	if d.done {
		d.buf = nil
	} else if len(d.buf) == 0 {
		// drop the consumed backing array
		d.buf = d.buf[:0:0]
	}
	return d.done
}

// Finish processes any buffered partial line and returns the aggregate.
// Calling it more than once returns the same result.
func (d *Decoder) Finish() Result {
	if !d.done && len(d.buf) > 0 {
		line := string(d.buf)
		d.buf = nil
		d.processLine(line)
	}
	d.done = true
	return d.Result()
}

// Done reports whether the sentinel has been seen or Finish was called
func (d *Decoder) Done() bool {
	return d.done
}

// Fallbacks returns how many payloads were recovered as plain text
func (d *Decoder) Fallbacks() int {
	return d.fallbacks
}

// Result returns a copy of the aggregate accumulated so far
func (d *Decoder) Result() Result {
	res := d.result
	if d.result.Sources != nil {
		res.Sources = append([]string(nil), d.result.Sources...)
	}
	return res
}

func (d *Decoder) processLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	payload, ok := strings.CutPrefix(line, EventPrefix)
	if !ok {
		return
	}
	if payload == DoneSentinel {
		d.done = true
		return
	}

	fields, err := decodeObject(payload)
	if err != nil {
		d.fallback(payload, err)
		return
	}

	// a malformed field is skipped on its own; only a bad content field
	// falls back to the raw payload
	if raw, ok := fields["content"]; ok {
		var content string
		if err := decodeField(raw, &content); err != nil {
			d.fallback(payload, fmt.Errorf("content: %w", err))
		} else if content != "" {
			d.emit(content)
		}
	}
	if raw, ok := fields["route"]; ok {
		var route string
		if err := decodeField(raw, &route); err != nil {
			d.observe(payload, fmt.Errorf("route: %w", err))
		} else if route != "" {
			d.result.Route = route
		}
	}
	if raw, ok := fields["sources"]; ok {
		var sources []string
		if err := decodeField(raw, &sources); err != nil {
			d.observe(payload, fmt.Errorf("sources: %w", err))
		} else if len(sources) > 0 {
			d.result.Sources = sources
		}
	}
}

// fallback delivers payload verbatim as text
func (d *Decoder) fallback(payload string, err error) {
	d.fallbacks++
	d.observe(payload, err)
	d.emit(payload)
}

func (d *Decoder) observe(payload string, err error) {
	if d.onDecode != nil {
		d.onDecode(&session.DecodeError{Payload: payload, Err: err})
	}
}

func (d *Decoder) emit(text string) {
	d.result.FullText += text
	if d.sink != nil {
		d.sink(text)
	}
}

var errNotObject = errors.New("payload is not a JSON object")

func decodeObject(payload string) (map[string]json.RawMessage, error) {
	trimmed := strings.TrimSpace(payload)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// decodeField unmarshals raw into v; JSON null leaves v at its zero value
func decodeField(raw json.RawMessage, v any) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Decode reads body until the sentinel or EOF, delivering increments to sink.
// The context is checked between reads; on cancellation the partial result
// is returned together with ctx.Err(). Read failures are reported as
// *session.TransportError.
func Decode(ctx context.Context, body io.Reader, sink Sink) (Result, error) {
	return NewDecoder(sink).Run(ctx, body)
}

// Run drives the decoder from body. See Decode.
func (d *Decoder) Run(ctx context.Context, body io.Reader) (Result, error) {
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return d.Result(), err
		}
		n, err := body.Read(chunk)
		if n > 0 && d.Feed(chunk[:n]) {
			return d.Finish(), nil
		}
		if errors.Is(err, io.EOF) {
			return d.Finish(), nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return d.Result(), ctxErr
			}
			return d.Result(), &session.TransportError{Message: "failed to read response stream", Err: err}
		}
	}
}
