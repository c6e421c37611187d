//go:build linux

package swcache

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// processMemory reports resident and anonymous memory of the process in
// bytes. Values that cannot be read from /proc are zero.
func processMemory() (rss, anon uint64) {
	if b, err := os.ReadFile("/proc/self/statm"); err == nil {
		if fields := bytes.Fields(b); len(fields) >= 2 {
			if pages, err := strconv.ParseUint(string(fields[1]), 10, 64); err == nil {
				rss = pages * uint64(os.Getpagesize())
			}
		}
	}

	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return rss, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Anonymous:     1234 kB"
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Anonymous" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		if kb, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			anon = kb * 1024
		}
		break
	}
	return rss, anon
}
