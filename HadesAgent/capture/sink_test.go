package capture

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{ calls int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("stdout closed")
}

func TestSink_ResultsInWriteOrder(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
	}{
		{"no chunks", nil},
		{"single chunk", []string{"hello"}},
		{"several chunks", []string{"one\n", "two\n", "", "three"}},
		{"unicode", []string{"größe ", "日本語\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var passthrough bytes.Buffer
			sink := NewSink(&passthrough, nil)
			for _, c := range tt.chunks {
				n, err := sink.Write([]byte(c))
				require.NoError(t, err)
				assert.Equal(t, len(c), n)
			}
			require.NoError(t, sink.Close())

			expected := strings.Join(tt.chunks, "") + ClosedMarker
			assert.Equal(t, expected, sink.Results())
			assert.Equal(t, expected, passthrough.String())
		})
	}
}

func TestSink_PassthroughFailureKeepsChunks(t *testing.T) {
	w := &failingWriter{}
	sink := NewSink(w, nil)

	n, err := sink.Write([]byte("first "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = sink.Write([]byte("second"))
	require.NoError(t, err)

	assert.Equal(t, "first second", sink.Results())
	assert.Equal(t, 2, w.calls)
	assert.EqualError(t, sink.PassthroughErr(), "stdout closed")
}

func TestSink_CallbackReceivesExactChunks(t *testing.T) {
	var got []string
	sink := NewSink(nil, func(chunk string) error {
		got = append(got, chunk)
		return nil
	})

	for _, c := range []string{"a", "bc", "def\n"} {
		_, err := sink.Write([]byte(c))
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{"a", "bc", "def\n", ClosedMarker}, got)
	assert.NoError(t, sink.StreamErr())
}

func TestSink_CallbackFailureSuppressesLaterCalls(t *testing.T) {
	calls := 0
	sink := NewSink(nil, func(chunk string) error {
		calls++
		if chunk == "bad" {
			return errors.New("stream closed")
		}
		return nil
	})

	for _, c := range []string{"ok", "bad", "after"} {
		n, err := sink.Write([]byte(c))
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
	}

	assert.Equal(t, 2, calls)
	assert.Equal(t, "okbadafter", sink.Results())
	assert.EqualError(t, sink.StreamErr(), "stream closed")
}

func TestSink_CallbackPanicIsRecorded(t *testing.T) {
	sink := NewSink(nil, func(string) error { panic("boom") })

	_, err := sink.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, "x", sink.Results())
	require.Error(t, sink.StreamErr())
	assert.Contains(t, sink.StreamErr().Error(), "boom")
}

func TestSink_ConcurrentWrites(t *testing.T) {
	sink := NewSink(nil, nil)
	const writers, lines = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < lines; i++ {
				fmt.Fprintf(sink, "writer-%d line-%d\n", w, i)
			}
		}(w)
	}
	wg.Wait()

	out := sink.Results()
	assert.Equal(t, writers*lines, strings.Count(out, "\n"))
	for w := 0; w < writers; w++ {
		assert.Contains(t, out, fmt.Sprintf("writer-%d line-%d\n", w, lines-1))
	}
}
