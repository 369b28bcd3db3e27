// Package units provides helper functions for human-readable byte sizes.
// HumanSize renders the configured attachment-size ceiling in the Message
// Pipeline's startup log; FromHumanSize has no caller outside its tests.
package units

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Byte size units, decimal (not 1024-based), matching IMAP server byte
// counts as advertised by RFC822.SIZE.
const (
	_  = iota
	KB = 1000
	MB = KB * 1000
	GB = MB * 1000
	TB = GB * 1000
	PB = TB * 1000
)

type unitMap map[string]int64

var decimalMap = unitMap{"k": KB, "m": MB, "g": GB, "t": TB, "p": PB}

// sizeRegex accepts a number (with an optional, possibly empty-fraction,
// decimal point), an optional single space, an optional unit prefix letter
// and an optional trailing 'b'/'B' — in that order and no other. A bare
// trailing space with nothing after it is accepted (the space belongs to
// the empty suffix), but a space following a unit/suffix is not.
var sizeRegex = regexp.MustCompile(`^(\d+\.\d*|\.\d+|\d+\.?) ?([kKmMgGtTpP])?([bB])?$`)

// HumanSize returns a human-readable approximation of a size
// using SI standard (eg. "1kB", "2.3MB", "4GB").
func HumanSize(size float64) string {
	return humanSize(size, 1000.0, []string{"B", "kB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"})
}

func humanSize(size, base float64, units []string) string {
	i := 0
	unitsLimit := len(units) - 1
	for size >= base && i < unitsLimit {
		size /= base
		i++
	}

	return fmt.Sprintf("%s%s", strconv.FormatFloat(size, 'g', 4, 64), units[i])
}

// FromHumanSize returns an integer from a human-readable specification of a
// size using SI standard (eg. "44kB", "17MB").
func FromHumanSize(size string) (int64, error) {
	negative := strings.HasPrefix(size, "-")
	if negative {
		size = size[1:]
	}

	matches := sizeRegex.FindStringSubmatch(size)
	if matches == nil {
		return -1, fmt.Errorf("invalid size: %q", size)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return -1, fmt.Errorf("invalid size: %w", err)
	}

	if negative && value > 0 {
		return -1, fmt.Errorf("invalid size: %q", size)
	}

	if mul, ok := decimalMap[strings.ToLower(matches[2])]; ok {
		value *= float64(mul)
	}

	return int64(value), nil
}
