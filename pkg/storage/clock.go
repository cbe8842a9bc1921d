package storage

import "time"

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// NowMS returns the current time in milliseconds since the Unix epoch,
// the timestamp unit used across the schema.
func NowMS() int64 {
	return nowMS()
}
