// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package elapsed formats elapsed wall-clock durations for progress
// logs.
package elapsed

import (
	"fmt"
	"time"
)

// String formats d in seconds, minutes, or hours, whichever is the
// largest unit not exceeding d.
func String(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.2f seconds elapsed", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.2f minutes elapsed", d.Minutes())
	default:
		return fmt.Sprintf("%.2f hours elapsed", d.Hours())
	}
}

// Since formats the time elapsed since start.
func Since(start time.Time) string {
	return String(time.Since(start))
}
