package timex

import "time"

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ms converts a duration to whole milliseconds for bus payloads.
func Ms(d time.Duration) int64 { return int64(d / time.Millisecond) }

// FromMs is the inverse of Ms.
func FromMs(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// ResetTimer stops, drains and re-arms t. Negative durations fire immediately.
func ResetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		DrainTimer(t)
	}
	t.Reset(d)
}

func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
