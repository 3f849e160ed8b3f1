// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration with 2 decimal places on its leading unit.
// Durations of one hour or more are truncated to the second.
func FormatDuration(d time.Duration) string {
	if d >= time.Hour {
		return d.Truncate(time.Second).String()
	}
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 || matches[0] != s {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
