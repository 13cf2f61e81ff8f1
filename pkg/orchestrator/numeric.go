package orchestrator

import "time"

// ProgressEventInterval is the minimum spacing between TransferProgress
// events for a single download.
const ProgressEventInterval = 2 * time.Second

// Sample is one instant's cumulative byte count, used to compute a
// windowed transfer speed between two ticks.
type Sample struct {
	At    time.Time
	Bytes int64
}

// Speed returns bytes transferred per second between prev and cur. A
// non-positive or zero window yields 0 rather than dividing by zero.
func Speed(prev, cur Sample) float64 {
	elapsed := cur.At.Sub(prev.At).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := cur.Bytes - prev.Bytes
	if delta < 0 {
		delta = 0
	}
	return float64(delta) / elapsed
}

// ETASeconds returns the estimated seconds remaining at speedBps, or nil
// when speed is not positive, per the "undefined when speed == 0" rule.
func ETASeconds(totalBytes, downloadedBytes int64, speedBps float64) *float64 {
	if speedBps <= 0 {
		return nil
	}
	remaining := totalBytes - downloadedBytes
	if remaining < 0 {
		remaining = 0
	}
	eta := float64(remaining) / speedBps
	return &eta
}

// ProgressPercentage returns downloadedBytes/totalBytes as a percentage
// clamped to [0, 100]. A non-positive totalBytes (the zero-byte-file case)
// is always reported complete.
func ProgressPercentage(downloadedBytes, totalBytes int64) float64 {
	if totalBytes <= 0 {
		return 100
	}
	pct := float64(downloadedBytes) / float64(totalBytes) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}
