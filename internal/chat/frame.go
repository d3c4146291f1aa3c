package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Kind discriminates decoded stream frames.
type Kind int

const (
	// KindDelta carries an incremental piece of the answer.
	KindDelta Kind = iota
	// KindUsage carries the provider's token accounting and no text.
	KindUsage
	// KindDone is the terminal [DONE] marker.
	KindDone
	// KindError is an error object sent by the provider mid-stream.
	KindError
	// KindMalformed is a frame that could not be parsed. It is still
	// forwarded but otherwise ignored.
	KindMalformed
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindUsage:
		return "usage"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "malformed"
	}
}

// Usage is a provider-reported token count.
type Usage struct {
	// InputTokens counts prompt tokens.
	InputTokens int `json:"prompt_tokens"`
	// OutputTokens counts generated tokens.
	OutputTokens int `json:"completion_tokens"`
}

// Frame is one server-sent event of an OpenAI-compatible completion stream.
type Frame struct {
	// Kind is the frame type.
	Kind Kind
	// Text is the answer fragment of a delta frame.
	Text string
	// Usage is set when the frame carried a usage object, on a delta or
	// usage frame.
	Usage *Usage
	// Message is the provider's error message on an error frame.
	Message string
	// Raw is the exact bytes of the event, including its terminating blank
	// line, for byte-for-byte forwarding.
	Raw []byte
}

// chunkPayload is the subset of a streamed chat.completion.chunk we read.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Decoder reads Frames from a server-sent event stream.
type Decoder struct {
	// r buffers the underlying stream.
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 16<<10)}
}

// Next returns the next event. It returns io.EOF after the last event; an
// event cut off by EOF without its blank line is still returned first. Any
// other error is a read failure of the underlying stream.
func (d *Decoder) Next() (Frame, error) {
	var (
		raw  []byte
		data [][]byte
	)
	for {
		line, err := d.r.ReadBytes('\n')
		raw = append(raw, line...)

		trimmed := bytes.TrimRight(line, "\r\n")
		switch {
		case len(trimmed) == 0 && len(line) > 0:
			// Blank line: end of event. Skip leading blank lines.
			if len(data) > 0 || len(bytes.TrimSpace(raw)) > 0 {
				return parseEvent(raw, data), nil
			}
			raw = raw[:0]
		case bytes.HasPrefix(trimmed, dataPrefix):
			v := bytes.TrimPrefix(trimmed, dataPrefix)
			data = append(data, bytes.TrimPrefix(v, []byte(" ")))
		}

		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(raw)) > 0 {
				return parseEvent(raw, data), nil
			}
			return Frame{}, err
		}
	}
}

// parseEvent classifies one event. Events with no data lines (comments,
// keep-alives) are malformed so they are forwarded and otherwise ignored.
func parseEvent(raw []byte, data [][]byte) Frame {
	f := Frame{Kind: KindMalformed, Raw: raw}
	if len(data) == 0 {
		return f
	}
	payload := bytes.Join(data, []byte("\n"))
	if bytes.Equal(bytes.TrimSpace(payload), doneMarker) {
		f.Kind = KindDone
		return f
	}

	var p chunkPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return f
	}
	if p.Error != nil {
		f.Kind = KindError
		f.Message = p.Error.Message
		return f
	}
	for _, c := range p.Choices {
		f.Text += c.Delta.Content
	}
	f.Usage = p.Usage
	if f.Usage != nil && f.Text == "" {
		f.Kind = KindUsage
	} else {
		f.Kind = KindDelta
	}
	return f
}
