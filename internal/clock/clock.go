// Package clock provides server time in Unix milliseconds and the client
// timestamp skew clamp used during event ingestion.
package clock

import "time"

// NowMS returns the current UTC time in Unix milliseconds.
func NowMS() int64 {
	return time.Now().UTC().UnixMilli()
}

// Clamp returns tsClient bounded to [serverTS-window, serverTS+window].
// The clamped value feeds the winner ordering; the raw client timestamp is
// stored unmodified for audit.
func Clamp(tsClient, serverTS int64, window time.Duration) int64 {
	w := window.Milliseconds()
	if tsClient < serverTS-w {
		return serverTS - w
	}
	if tsClient > serverTS+w {
		return serverTS + w
	}
	return tsClient
}
