package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"chatengine/internal/domain"
)

// maxSSELine bounds a single SSE line. Tool-call argument chunks can be long.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE "data:" lines from body and converts each payload
// with parseLine. A nil delta from parseLine is skipped. The channel closes
// after "[DONE]", a delta with Done or Err, end of body, or ctx cancellation.
// A read error ends the stream with an Err delta.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)

			if bytes.Equal(data, []byte("[DONE]")) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				send(domain.StreamDelta{Err: fmt.Errorf("%w: stream chunk: %v", domain.ErrDecode, err)})
				return
			}
			if delta == nil {
				continue
			}
			if !send(*delta) || delta.Done || delta.Err != nil {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(domain.StreamDelta{Err: fmt.Errorf("%w: read stream: %v", domain.ErrProviderError, err)})
		}
	}()
	return ch
}
