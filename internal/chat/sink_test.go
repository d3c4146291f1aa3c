package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, f.err
	}
	return n, err
}

func Test_Relay_ForwardsAndAccumulates(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	acc := &Accumulator{}

	end, err := Relay(context.Background(), NewDecoder(strings.NewReader(sampleStream)), NewForwardSink(&out), acc)
	if err != nil || end != EndDone {
		t.Fatalf("Relay = %s, %v", end, err)
	}
	if out.String() != sampleStream {
		t.Errorf("forwarded bytes differ from provider stream")
	}
	if acc.Text() != "Hello" {
		t.Errorf("accumulated %q", acc.Text())
	}
	if u := acc.Usage(); u == nil || u.InputTokens != 12 {
		t.Errorf("usage = %+v", u)
	}
}

func Test_Relay_Ends(t *testing.T) {
	t.Parallel()
	delta := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		src     io.Reader
		w       io.Writer
		want    End
		wantErr bool
	}{
		{name: "eof without done", ctx: context.Background(), src: strings.NewReader(delta), w: io.Discard, want: EndEOF},
		{name: "provider error frame", ctx: context.Background(), src: strings.NewReader(delta + "data: {\"error\":{\"message\":\"boom\"}}\n\n"), w: io.Discard, want: EndProviderError, wantErr: true},
		{name: "read error", ctx: context.Background(), src: &failingReader{r: strings.NewReader(delta), err: io.ErrUnexpectedEOF}, w: io.Discard, want: EndReadError, wantErr: true},
		{name: "client gone", ctx: context.Background(), src: strings.NewReader(delta), w: brokenWriter{}, want: EndClientGone, wantErr: true},
		{name: "canceled", ctx: canceled, src: strings.NewReader(delta), w: io.Discard, want: EndCanceled, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			end, err := Relay(tc.ctx, NewDecoder(tc.src), NewForwardSink(tc.w), &Accumulator{})
			if end != tc.want {
				t.Errorf("end = %s, want %s", end, tc.want)
			}
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if end.Clean() == tc.wantErr {
				t.Errorf("Clean() = %v inconsistent with error", end.Clean())
			}
		})
	}
}
