package logbuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitChunk(t *testing.T) {
	tests := []struct {
		name        string
		partial     string
		chunk       string
		wantLines   []string
		wantPartial string
	}{
		{
			name:        "plain lines",
			chunk:       "one\ntwo\nthree",
			wantLines:   []string{"one", "two"},
			wantPartial: "three",
		},
		{
			name:        "crlf normalized",
			chunk:       "one\r\ntwo\r\n",
			wantLines:   []string{"one", "two"},
			wantPartial: "",
		},
		{
			name:        "bare cr normalized",
			chunk:       "progress 1\rprogress 2\r",
			wantLines:   []string{"progress 1", "progress 2"},
			wantPartial: "",
		},
		{
			name:        "partial joined with chunk",
			partial:     "hel",
			chunk:       "lo\nwor",
			wantLines:   []string{"hello"},
			wantPartial: "wor",
		},
		{
			name:        "empty segments dropped",
			chunk:       "a\n\n\nb\n",
			wantLines:   []string{"a", "b"},
			wantPartial: "",
		},
		{
			name:        "no newline keeps everything partial",
			chunk:       "still going",
			wantLines:   nil,
			wantPartial: "still going",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, partial := SplitChunk(tt.partial, tt.chunk)
			assert.Equal(t, tt.wantLines, lines)
			assert.Equal(t, tt.wantPartial, partial)
		})
	}
}

// Feeding arbitrary chunk boundaries must preserve the normalized stream:
// concatenating all emitted lines plus the final partial reproduces every
// non-empty line in order.
func TestSplitChunkRoundtrip(t *testing.T) {
	stream := "alpha\r\nbeta\rgamma\ndelta\nepsilon"
	for chunkSize := 1; chunkSize <= len(stream); chunkSize++ {
		var all []string
		partial := ""
		for i := 0; i < len(stream); i += chunkSize {
			end := i + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			var lines []string
			lines, partial = SplitChunk(partial, stream[i:end])
			all = append(all, lines...)
		}
		got := strings.Join(append(all, partial), "\n")
		assert.Equal(t, "alpha\nbeta\ngamma\ndelta\nepsilon", got, "chunk size %d", chunkSize)
	}
}

func TestAppendLineTruncates(t *testing.T) {
	long := strings.Repeat("x", 50)
	pending, dropped := AppendLine(nil, 0, long, 10, 100)
	assert.Equal(t, []string{strings.Repeat("x", 10)}, pending)
	assert.Zero(t, dropped)
}

func TestAppendLineDropOldest(t *testing.T) {
	var pending []string
	dropped := 0
	for i := 0; i < 7; i++ {
		pending, dropped = AppendLine(pending, dropped, string(rune('a'+i)), MaxLineLen, 5)
	}
	assert.Equal(t, []string{"c", "d", "e", "f", "g"}, pending)
	assert.Equal(t, 2, dropped)
	assert.LessOrEqual(t, len(pending), 5)
}
