// Package logbuf contains the pure line-buffering helpers used by terminal
// log persistence: chunk-to-line splitting and a drop-oldest pending queue.
package logbuf

import "strings"

// Limits for terminal log persistence.
const (
	// MaxLineLen is the byte cap applied to a single persisted line.
	MaxLineLen = 8_000
	// MaxPending is the cap on buffered lines per session; the oldest
	// lines are dropped beyond it.
	MaxPending = 5_000
	// BatchSize is how many lines one insert batch carries.
	BatchSize = 100
	// FlushIntervalMs is the flush cadence in milliseconds.
	FlushIntervalMs = 1_000
)

// SplitChunk normalizes CRLF/CR to LF, joins the retained partial with the
// new chunk, and splits on LF. It returns the complete lines (empty segments
// dropped) and the new trailing partial.
func SplitChunk(partial, chunk string) (lines []string, newPartial string) {
	data := partial + chunk
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")

	segments := strings.Split(data, "\n")
	newPartial = segments[len(segments)-1]
	for _, seg := range segments[:len(segments)-1] {
		if seg == "" {
			continue
		}
		lines = append(lines, seg)
	}
	return lines, newPartial
}

// AppendLine truncates line to maxLen bytes and appends it to pending.
// If pending then exceeds maxPending, lines are evicted from the head and
// counted in dropped.
func AppendLine(pending []string, dropped int, line string, maxLen, maxPending int) ([]string, int) {
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	pending = append(pending, line)
	if over := len(pending) - maxPending; over > 0 {
		pending = pending[over:]
		dropped += over
	}
	return pending, dropped
}
