package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatengine/internal/domain"
)

func textChunk(data []byte) (*domain.StreamDelta, error) {
	var v struct {
		Text string `json:"text"`
		Skip bool   `json:"skip"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if v.Skip {
		return nil, nil
	}
	return &domain.StreamDelta{Content: v.Text}, nil
}

func TestParseSSEStream(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		": keep-alive\n" +
			"event: message\n" +
			"data: {\"text\":\"a\"}\n\n" +
			"data:{\"text\":\"b\"}\n\n" +
			"data: {\"skip\":true}\n\n" +
			"data: [DONE]\n\n" +
			"data: {\"text\":\"after done\"}\n\n"))

	ds := drain(parseSSEStream(context.Background(), body, textChunk))

	require.Len(t, ds, 3)
	assert.Equal(t, "a", ds[0].Content)
	assert.Equal(t, "b", ds[1].Content)
	assert.True(t, ds[2].Done)
}

func TestParseSSEStreamEOFWithoutDone(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {\"text\":\"only\"}\n"))
	ds := drain(parseSSEStream(context.Background(), body, textChunk))

	require.Len(t, ds, 1)
	assert.Equal(t, "only", ds[0].Content)
	assert.False(t, ds[0].Done)
}

func TestParseSSEStreamDecodeError(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {broken\n\ndata: {\"text\":\"x\"}\n"))
	ds := drain(parseSSEStream(context.Background(), body, textChunk))

	require.Len(t, ds, 1)
	assert.ErrorIs(t, ds[0].Err, domain.ErrDecode)
}

type failingReader struct {
	data string
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("connection reset")
}

func (f *failingReader) Close() error { return nil }

func TestParseSSEStreamReadError(t *testing.T) {
	body := &failingReader{data: "data: {\"text\":\"a\"}\n"}
	ds := drain(parseSSEStream(context.Background(), body, textChunk))

	require.Len(t, ds, 2)
	assert.Equal(t, "a", ds[0].Content)
	assert.ErrorIs(t, ds[1].Err, domain.ErrProviderError)
	assert.Contains(t, ds[1].Err.Error(), "connection reset")
}

func TestParseSSEStreamContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	ch := parseSSEStream(ctx, pr, textChunk)

	go io.WriteString(pw, "data: {\"text\":\"first\"}\n")
	first := <-ch
	assert.Equal(t, "first", first.Content)

	cancel()
	pw.CloseWithError(context.Canceled)

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
