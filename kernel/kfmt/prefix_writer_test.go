package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		writes []string
		exp    string
	}{
		{nil, ""},
		{[]string{""}, ""},
		{[]string{"\n"}, "[irq] \n"},
		{[]string{"eax = 0x1"}, "[irq] eax = 0x1"},
		{[]string{"eax = 0x1\n"}, "[irq] eax = 0x1\n"},
		{[]string{"eax = 0x1\nebx = 0x2\n"}, "[irq] eax = 0x1\n[irq] ebx = 0x2\n"},
		// A line split over several writes gets a single prefix
		{[]string{"eax = ", "0x1\nebx", " = 0x2"}, "[irq] eax = 0x1\n[irq] ebx = 0x2"},
		{[]string{"\n\n", "esp"}, "[irq] \n[irq] \n[irq] esp"},
	}

	for specIndex, spec := range specs {
		var (
			buf bytes.Buffer
			w   = &PrefixWriter{Sink: &buf, Prefix: []byte("[irq] ")}
		)

		for _, input := range spec.writes {
			wrote, err := w.Write([]byte(input))
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			if wrote != len(input) {
				t.Errorf("[spec %d] expected to write %d bytes; wrote %d", specIndex, len(input), wrote)
			}
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

type failingWriter struct {
	err error

	// okWrites is the number of writes that succeed before err is returned.
	okWrites int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.okWrites == 0 {
		return 0, w.err
	}
	w.okWrites--
	return len(p), nil
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("write failed")

	specs := []struct {
		okWrites int
		input    string
		expWrote int
	}{
		// Prefix write fails
		{0, "eip = 0x8000", 0},
		// Line write fails
		{1, "eip = 0x8000", 0},
		// Prefix of the second line fails
		{2, "eip\nesp", 4},
	}

	for specIndex, spec := range specs {
		w := &PrefixWriter{
			Sink:   &failingWriter{err: expErr, okWrites: spec.okWrites},
			Prefix: []byte("> "),
		}

		wrote, err := w.Write([]byte(spec.input))
		if err != expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, expErr, err)
		}
		if wrote != spec.expWrote {
			t.Errorf("[spec %d] expected %d bytes to be reported as written; got %d", specIndex, spec.expWrote, wrote)
		}
	}
}
