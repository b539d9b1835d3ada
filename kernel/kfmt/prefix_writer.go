package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter forwards writes to Sink and starts every line with Prefix.
// The dispatcher uses it to tag multi-line register dumps with the module
// that produced them.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set once part of a line has been forwarded.
	midLine bool
}

// Write forwards p to the sink one line at a time. The prefix of a line is
// emitted lazily before its first byte, so a trailing line feed does not
// leave a dangling prefix behind. The returned count excludes prefix bytes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	written := 0

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if index := bytes.IndexByte(p, '\n'); index >= 0 {
			line = p[:index+1]
			w.midLine = false
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(line):]
	}

	return written, nil
}
