package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// NewModuleWriter returns a PrefixWriter that tags each line written to sink
// with "[module] ". If sink is nil, output is sent to the active output sink
// (or the early print buffer) at the time of each write.
func NewModuleWriter(sink io.Writer, module string) *PrefixWriter {
	prefix := make([]byte, 0, len(module)+3)
	prefix = append(prefix, '[')
	prefix = append(prefix, module...)
	prefix = append(prefix, ']', ' ')
	return &PrefixWriter{Sink: sink, Prefix: prefix}
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The PrefixWriter keeps track of the
// beginning of new lines and injects the configured prefix at each new line.
// The injected prefix is not included in the number of written bytes returned
// by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
	)

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if w.bytesAfterPrefix == 0 && curIndex == startIndex {
			w.sinkWrite(w.Prefix)
		}

		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.sinkWrite(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < len(p) {
		n, err := w.sinkWrite(p[startIndex:])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *PrefixWriter) sinkWrite(p []byte) (int, error) {
	if w.Sink != nil {
		return w.Sink.Write(p)
	}

	doWrite(outputSink, p)
	return len(p), nil
}
