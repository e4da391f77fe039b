package supervisor

import (
	"bytes"
	"strings"
)

// LineDecoder frames a byte stream into newline-delimited lines, buffering
// partial lines across reads. It is deliberately independent of the process
// code so framing is testable without a subprocess.
type LineDecoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete line it closes, in order,
// without trailing newlines.
func (d *LineDecoder) Feed(chunk []byte) []string {
	d.buf.Write(chunk)

	var lines []string
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		d.buf.Next(idx + 1)
		lines = append(lines, line)
	}
	return lines
}

// Flush returns any unterminated trailing line. Called once at stream end.
func (d *LineDecoder) Flush() (string, bool) {
	if d.buf.Len() == 0 {
		return "", false
	}
	line := strings.TrimRight(d.buf.String(), "\r")
	d.buf.Reset()
	return line, true
}
