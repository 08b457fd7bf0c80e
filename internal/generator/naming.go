package generator

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxOutputBase = 120

var unsafeChars = regexp.MustCompile(`[^\w\-.]+`)

func slugify(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "._")
}

func shortStem(key string, n int) string {
	s := slugify(strings.TrimSuffix(filepath.Base(key), filepath.Ext(key)))
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// OutputName builds the file name of a finished clip from its index, the
// frames it used and the time it finished, e.g. "3_intro_to_office_20250101_120000.mp4".
// Long names are shortened with a hash so they stay unique.
func OutputName(clipIndex int, start, end string, at time.Time) string {
	s1 := shortStem(start, 40)
	s2 := ""
	if end != "" {
		s2 = shortStem(end, 40)
	}

	base := fmt.Sprintf("%d_%s", clipIndex, s1)
	if s2 != "" {
		base += "_to_" + s2
	}
	if !at.IsZero() {
		base += "_" + at.UTC().Format("20060102_150405")
	}
	base = slugify(base)

	if len(base) > maxOutputBase {
		sum := md5.Sum([]byte(base))
		short := fmt.Sprintf("%d_%s", clipIndex, s1)
		if s2 != "" {
			short += "_to_" + s2
		}
		base = short + "_" + hex.EncodeToString(sum[:])[:8]
	}
	return base + ".mp4"
}
