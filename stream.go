package llmux

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux/internal/streaming"
	"github.com/blueberrycongee/llmux/internal/tokenizer"
	"github.com/blueberrycongee/llmux/pkg/provider"
	"github.com/blueberrycongee/llmux/pkg/router"
	"github.com/blueberrycongee/llmux/pkg/types"
)

// StreamReader provides an iterator interface for streaming responses.
// It handles SSE parsing and provides a simple Recv() method for consuming chunks.
//
// A stream may switch deployments only before the first byte reaches the
// caller — that retry/fallback walk happens in ChatCompletionStream, before
// a StreamReader is ever constructed. Once Recv has returned a single
// chunk, the underlying connection is fixed for the life of the stream: an
// upstream error past that point ends the stream with a terminal error
// rather than reconnecting to a different deployment mid-flight.
//
// Example:
//
//	stream, err := client.ChatCompletionStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
type StreamReader struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	provider   provider.Provider
	deployment *provider.Deployment
	router     router.Router

	closed     bool
	firstChunk bool
	startTime  time.Time
	ttft       time.Duration // Time To First Token

	mu sync.Mutex

	ctx          context.Context
	client       *Client
	originalReq  *types.ChatRequest
	aggregator   *streaming.Aggregator
	seenDone     bool
	requestEnded bool // tracks whether ReportRequestEnd has been called for current deployment
	finalized    bool // tracks whether finish/close accounting has already run

	release func()
}

// newStreamReader creates a new StreamReader.
func newStreamReader(
	ctx context.Context,
	client *Client,
	req *types.ChatRequest,
	body io.ReadCloser,
	prov provider.Provider,
	deployment *provider.Deployment,
	r router.Router,
	release func(),
) *StreamReader {
	scanner := bufio.NewScanner(body)
	// Allow larger SSE lines (bufio.Scanner defaults to 64K, and old code used 16KB).
	// Keep a small initial buffer to reduce allocations.
	scanner.Buffer(make([]byte, 4096), 256*1024)

	return &StreamReader{
		body:        body,
		scanner:     scanner,
		provider:    prov,
		deployment:  deployment,
		router:      r,
		firstChunk:  true,
		startTime:   time.Now(),
		ctx:         ctx,
		client:      client,
		originalReq: req,
		aggregator:  streaming.NewAggregator(),
		release:     release,
	}
}

// Recv returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
// Returns an error if the stream encounters an error.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Skip empty lines
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		// Check for stream end markers
		if bytes.Equal(trimmed, []byte("data: [DONE]")) ||
			bytes.Equal(trimmed, []byte("[DONE]")) {
			s.seenDone = true
			s.finish()
			return nil, io.EOF
		}

		// Parse chunk using provider-specific parser
		chunk, err := s.provider.ParseStreamChunk(trimmed)
		if err != nil {
			// Skip unparseable chunks (could be comments or keep-alive)
			continue
		}

		if chunk == nil {
			// Skip non-content events
			continue
		}

		// Record Time To First Token on first content chunk
		if s.firstChunk {
			s.ttft = time.Since(s.startTime)
			s.firstChunk = false
		}

		s.aggregator.Feed(chunk)

		return chunk, nil
	}

	// Check for scanner errors
	if err := s.scanner.Err(); err != nil {
		s.reportFailure(err)
		s.finalizeStreamLocked(err)
		_ = s.close()
		return nil, err
	}

	// Premature EOF: the upstream connection closed before a terminal
	// [DONE] arrived. Once any chunk has reached the caller the stream's
	// deployment is fixed, so this ends the stream with a terminal error
	// rather than reconnecting elsewhere.
	if !s.seenDone {
		err := io.ErrUnexpectedEOF
		s.reportFailure(err)
		s.finalizeStreamLocked(err)
		_ = s.close()
		return nil, err
	}

	// Stream ended normally
	s.finish()
	return nil, io.EOF
}

// finalizeStreamLocked marks the stream's terminal accounting as done.
// It is idempotent: Close and the error paths in Recv can both reach the
// end of a stream, but only the first caller's outcome should count.
func (s *StreamReader) finalizeStreamLocked(_ error) {
	s.finalized = true
}

func (s *StreamReader) reportFailure(err error) {
	if s.client != nil {
		s.client.recordResilienceOutcome(s.deployment, err)
	}
	if s.router == nil || s.deployment == nil {
		return
	}
	s.router.ReportFailure(s.ctx, s.deployment, err)
}

// Close releases resources associated with the stream.
// It's safe to call Close multiple times.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	streamErr := s.ctx.Err()
	if streamErr == nil && !s.seenDone {
		streamErr = io.ErrUnexpectedEOF
	}
	s.finalizeStreamLocked(streamErr)
	return s.close()
}

// TTFT returns the Time To First Token duration.
// Returns 0 if no chunks have been received yet.
func (s *StreamReader) TTFT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttft
}

// Final reconstructs the non-streaming-equivalent ChatResponse from every
// chunk seen so far, per the aggregator's reconstruction rules (content
// concatenation, tool-call grouping by index, last-non-nil usage,
// reasoning content). Safe to call before the stream ends, but the result
// is only complete once Recv has returned io.EOF.
func (s *StreamReader) Final() *types.ChatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregator.Final()
}

// endRequest reports request end if not already reported (must be called with lock held).
func (s *StreamReader) endRequest() {
	if s.requestEnded {
		return
	}
	if s.router != nil && s.deployment != nil {
		s.router.ReportRequestEnd(s.ctx, s.deployment)
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.requestEnded = true
}

// closeBody closes the body without reporting (must be called with lock held).
func (s *StreamReader) closeBody() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// close releases resources and reports request end (must be called with lock held).
func (s *StreamReader) close() error {
	if s.closed {
		return nil
	}
	s.endRequest()
	return s.closeBody()
}

// finish reports success metrics and closes the stream.
func (s *StreamReader) finish() {
	if !s.closed {
		if s.router != nil && s.deployment != nil {
			latency := time.Since(s.startTime)
			final := s.aggregator.Final()
			completionText := ""
			if len(final.Choices) > 0 {
				completionText = types.ExtractMessageText(final.Choices[0].Message)
			}
			promptTokens := tokenizer.EstimatePromptTokens(s.originalReq.Model, s.originalReq)
			completionTokens := tokenizer.EstimateCompletionTokensFromText(s.originalReq.Model, completionText)
			s.router.ReportSuccess(s.ctx, s.deployment, &router.ResponseMetrics{
				Latency:          latency,
				TimeToFirstToken: s.ttft,
				InputTokens:      promptTokens,
				OutputTokens:     completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			})
			if s.client != nil {
				s.client.recordPromptCacheAffinity(s.ctx, s.originalReq, s.deployment.ID)
				s.client.recordResilienceOutcome(s.deployment, nil)
			}
		}
		s.finalizeStreamLocked(nil)
		_ = s.close()
	}
}
