// Package streaming provides SSE (Server-Sent Events) streaming utilities.
// It handles efficient forwarding of already-decoded stream chunks to an
// HTTP client with buffer pooling and client disconnect detection.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmux/pkg/types"
)

const (
	// DefaultBufferSize is the default size for SSE line buffers.
	DefaultBufferSize = 4096

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

// bufferPool provides reusable byte buffers for building SSE lines, to
// reduce GC pressure on a gateway process forwarding many concurrent streams.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}

// ChunkSource yields already-decoded stream chunks, terminating with
// io.EOF. *StreamReader satisfies this; forwarder code never re-parses raw
// provider bytes, since the source has already run them through the
// provider adapter's ParseStreamChunk.
type ChunkSource interface {
	Recv() (*types.StreamChunk, error)
}

// Forwarder writes a ChunkSource's chunks to an HTTP client as SSE events,
// flushing after each one and stopping early if the client disconnects.
type Forwarder struct {
	downstream http.ResponseWriter
	flusher    http.Flusher
	ctx        context.Context
}

// NewForwarder creates a new SSE forwarder writing to w. Returns an error
// if w does not support flushing, since unflushed SSE writes would sit
// buffered indefinitely on the server side.
func NewForwarder(ctx context.Context, w http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	return &Forwarder{
		downstream: w,
		flusher:    flusher,
		ctx:        ctx,
	}, nil
}

// Forward drains source until it returns io.EOF (written as a final
// "[DONE]" event) or a non-EOF error (the stream ends without one). It
// also stops early, returning ctx's error, if the client has disconnected.
func (f *Forwarder) Forward(source ChunkSource) error {
	f.downstream.Header().Set("Content-Type", "text/event-stream")
	f.downstream.Header().Set("Cache-Control", "no-cache")
	f.downstream.Header().Set("Connection", "keep-alive")
	f.downstream.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	for {
		select {
		case <-f.ctx.Done():
			return f.ctx.Err()
		default:
		}

		chunk, err := source.Recv()
		if errors.Is(err, io.EOF) {
			f.writeRaw([]byte(SSEDataPrefix + SSEDone + "\n\n"))
			return nil
		}
		if err != nil {
			return err
		}
		if err := f.writeChunk(chunk); err != nil {
			return err
		}
	}
}

func (f *Forwarder) writeChunk(chunk *types.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	buf := getBuffer()
	defer putBuffer(buf)
	*buf = append(*buf, SSEDataPrefix...)
	*buf = append(*buf, data...)
	*buf = append(*buf, '\n', '\n')

	f.writeRaw(*buf)
	return nil
}

func (f *Forwarder) writeRaw(b []byte) {
	_, _ = f.downstream.Write(b)
	f.flusher.Flush()
}
