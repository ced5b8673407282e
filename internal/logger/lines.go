package logger

import (
	"bufio"
	"io"
	"strings"
)

const maxLineBytes = 1 << 20

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		fn(line)
	}
	// Keep draining so the writer never blocks after an overlong line.
	_, _ = io.Copy(io.Discard, r)
}
