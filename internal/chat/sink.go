package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Sink consumes decoded frames. Relay hands every frame to each sink in
// order; a sink error stops the relay.
type Sink interface {
	Consume(f Frame) error
}

// ForwardSink writes each frame's raw bytes to the caller and flushes, so
// the caller sees tokens as soon as the provider sends them.
type ForwardSink struct {
	// w is the caller's response body.
	w io.Writer
	// flusher is non-nil when w supports flushing.
	flusher http.Flusher
}

// NewForwardSink wraps w. If w implements http.Flusher it is flushed after
// every frame.
func NewForwardSink(w io.Writer) *ForwardSink {
	fl, _ := w.(http.Flusher)
	return &ForwardSink{w: w, flusher: fl}
}

// Consume implements Sink.
func (s *ForwardSink) Consume(f Frame) error {
	if _, err := s.w.Write(f.Raw); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Accumulator collects the answer text and the provider usage, if any.
type Accumulator struct {
	// buf holds the concatenated deltas.
	buf strings.Builder
	// usage is the last usage object seen.
	usage *Usage
}

// Consume implements Sink.
func (a *Accumulator) Consume(f Frame) error {
	if f.Kind == KindDelta {
		a.buf.WriteString(f.Text)
	}
	if f.Usage != nil {
		u := *f.Usage
		a.usage = &u
	}
	return nil
}

// Text returns the accumulated answer.
func (a *Accumulator) Text() string { return a.buf.String() }

// Usage returns the provider-reported usage, or nil.
func (a *Accumulator) Usage() *Usage { return a.usage }

// End describes how a relay loop ended.
type End int

const (
	// EndDone means the provider sent [DONE].
	EndDone End = iota
	// EndEOF means the provider closed the stream without [DONE].
	EndEOF
	// EndProviderError means the provider sent an error frame.
	EndProviderError
	// EndReadError means reading the provider stream failed.
	EndReadError
	// EndClientGone means the caller disconnected or a sink failed.
	EndClientGone
	// EndCanceled means the context was canceled or timed out.
	EndCanceled
)

// Clean reports whether the stream finished normally.
func (e End) Clean() bool { return e == EndDone || e == EndEOF }

// String implements fmt.Stringer.
func (e End) String() string {
	switch e {
	case EndDone:
		return "done"
	case EndEOF:
		return "eof"
	case EndProviderError:
		return "provider_error"
	case EndReadError:
		return "read_error"
	case EndClientGone:
		return "client_gone"
	default:
		return "canceled"
	}
}

var errClientGone = errors.New("chat: client write failed")

// Relay reads frames from dec and passes each to every sink until the
// stream ends, a sink fails or ctx is done. The returned error describes
// an unclean end and is nil for EndDone and EndEOF.
func Relay(ctx context.Context, dec *Decoder, sinks ...Sink) (End, error) {
	for {
		if err := ctx.Err(); err != nil {
			return EndCanceled, err
		}
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return EndEOF, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return EndCanceled, ctx.Err()
			}
			return EndReadError, fmt.Errorf("chat: read provider stream: %w", err)
		}
		for _, s := range sinks {
			if err := s.Consume(f); err != nil {
				return EndClientGone, err
			}
		}
		switch f.Kind {
		case KindDone:
			return EndDone, nil
		case KindError:
			return EndProviderError, fmt.Errorf("chat: provider stream error: %s", f.Message)
		}
	}
}
