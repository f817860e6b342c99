package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blueberrycongee/llmux/pkg/types"
)

// sliceSource replays a fixed list of chunks, then returns io.EOF.
type sliceSource struct {
	chunks []*types.StreamChunk
	pos    int
}

func (s *sliceSource) Recv() (*types.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func TestNewForwarder(t *testing.T) {
	f, err := NewForwarder(context.Background(), httptest.NewRecorder())
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	if f == nil {
		t.Fatal("NewForwarder() returned nil forwarder")
	}
}

func TestForwarder_ForwardWritesChunksThenDone(t *testing.T) {
	source := &sliceSource{chunks: []*types.StreamChunk{
		{ID: "1", Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{Content: "hi"}}}},
	}}
	recorder := httptest.NewRecorder()

	f, err := NewForwarder(context.Background(), recorder)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}

	if err := f.Forward(source); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %v, want text/event-stream", ct)
	}

	body := recorder.Body.String()
	if want := `"id":"1"`; !contains(body, want) {
		t.Errorf("body = %q, want it to contain %q", body, want)
	}
	if want := SSEDataPrefix + SSEDone; !contains(body, want) {
		t.Errorf("body = %q, want a final %q event", body, want)
	}
}

func TestForwarder_ForwardStopsOnSourceError(t *testing.T) {
	boom := errors.New("boom")
	source := &erroringSource{err: boom}
	recorder := httptest.NewRecorder()

	f, err := NewForwarder(context.Background(), recorder)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}

	if err := f.Forward(source); err != boom {
		t.Errorf("Forward() error = %v, want %v", err, boom)
	}
}

type erroringSource struct{ err error }

func (s *erroringSource) Recv() (*types.StreamChunk, error) { return nil, s.err }

func TestForwarder_ClientDisconnect(t *testing.T) {
	source := &slowSource{delay: 30 * time.Millisecond}
	recorder := httptest.NewRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	f, err := NewForwarder(ctx, recorder)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := f.Forward(source); err != context.Canceled {
		t.Errorf("Forward() error = %v, want context.Canceled", err)
	}
}

// slowSource yields a fresh chunk every delay, indefinitely, simulating an
// upstream that never terminates on its own — the forwarder has to be the
// one to give up once the client disconnects.
type slowSource struct{ delay time.Duration }

func (s *slowSource) Recv() (*types.StreamChunk, error) {
	time.Sleep(s.delay)
	return &types.StreamChunk{ID: "keepalive"}, nil
}

func TestBufferPool(t *testing.T) {
	buffers := make([]*[]byte, 10)
	for i := range buffers {
		buffers[i] = getBuffer()
		if buffers[i] == nil {
			t.Fatalf("getBuffer() returned nil at index %d", i)
		}
	}

	for _, buf := range buffers {
		putBuffer(buf)
	}

	for i := range buffers {
		buffers[i] = getBuffer()
		if buffers[i] == nil {
			t.Fatalf("getBuffer() returned nil on reuse at index %d", i)
		}
		if len(*buffers[i]) != 0 {
			t.Errorf("reused buffer len = %d, want 0", len(*buffers[i]))
		}
	}
}

// responseWriterNoFlush is a ResponseWriter that doesn't support Flusher.
type responseWriterNoFlush struct {
	http.ResponseWriter
}

func (w *responseWriterNoFlush) Header() http.Header       { return make(http.Header) }
func (w *responseWriterNoFlush) Write(b []byte) (int, error) { return len(b), nil }
func (w *responseWriterNoFlush) WriteHeader(statusCode int) {}

func TestNewForwarder_NoFlusher(t *testing.T) {
	noFlush := &responseWriterNoFlush{}

	_, err := NewForwarder(context.Background(), noFlush)
	if err == nil {
		t.Error("NewForwarder() should fail when ResponseWriter doesn't support Flusher")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
