package kfmt

import (
	"io"
	"vmkern/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	lowerDigits = "0123456789abcdef"
	upperDigits = "0123456789ABCDEF"

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer
	earlyPrintLock   sync.Spinlock

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		earlyPrintLock.Acquire()
		io.Copy(w, &earlyPrintBuffer)
		earlyPrintLock.Release()
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation with a predictable memory
// footprint: each call formats into a single fixed-capacity scratch buffer
// which is flushed with one Write call to the output sink.
//
// Similar to fmt.Printf, this version of printf supports the following subset
// of formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//		%c a single character (byte or rune)
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//              %X base 16, with upper-case letters for A-F
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the verb.
// If absent, the width is whatever is necessary to represent the value.
//
// String values with length less than the specified width will be left-padded with
// spaces. Integer values formatted as base-10 will also be left-padded with spaces.
// Finally, integer values formatted as base-8 or base-16 will be left-padded with zeroes.
//
// The output of Printf is written to the active output sink. If no sink is
// available, then the output is buffered into a ring-buffer and replayed once
// SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var scratch [256]byte
	p := printer{buf: scratch[:0], args: args}
	p.format(format)
	doWrite(w, p.buf)
}

// printer accumulates the output of a single Fprintf call.
type printer struct {
	buf     []byte
	args    []interface{}
	nextArg int
}

func (p *printer) format(format string) {
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			p.buf = append(p.buf, format[i])
			continue
		}

		// Scan till we hit the format verb
		padLen := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = (padLen * 10) + int(format[i]-'0')
		}

		if i == len(format) {
			p.buf = append(p.buf, errNoVerb...)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			p.buf = append(p.buf, '%')
			continue
		case 'd', 'x', 'X', 'o', 's', 't', 'c':
		default:
			p.buf = append(p.buf, errNoVerb...)
			continue
		}

		// Run out of args to print
		if p.nextArg >= len(p.args) {
			p.buf = append(p.buf, errMissingArg...)
			continue
		}

		arg := p.args[p.nextArg]
		p.nextArg++

		switch verb {
		case 'o':
			p.fmtInt(arg, 8, lowerDigits, padLen)
		case 'd':
			p.fmtInt(arg, 10, lowerDigits, padLen)
		case 'x':
			p.fmtInt(arg, 16, lowerDigits, padLen)
		case 'X':
			p.fmtInt(arg, 16, upperDigits, padLen)
		case 's':
			p.fmtString(arg, padLen)
		case 't':
			p.fmtBool(arg)
		case 'c':
			p.fmtChar(arg)
		}
	}

	// Check for unused args
	for ; p.nextArg < len(p.args); p.nextArg++ {
		p.buf = append(p.buf, errExtraArg...)
	}
}

// fmtBool prints a formatted version of boolean value v.
func (p *printer) fmtBool(v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		p.buf = append(p.buf, errWrongArgType...)
	case bVal:
		p.buf = append(p.buf, trueValue...)
	default:
		p.buf = append(p.buf, falseValue...)
	}
}

// fmtChar prints a single byte or rune.
func (p *printer) fmtChar(v interface{}) {
	switch ch := v.(type) {
	case byte:
		p.buf = append(p.buf, ch)
	case rune:
		p.buf = append(p.buf, string(ch)...)
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func (p *printer) fmtString(v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		p.fmtRepeat(' ', padLen-len(castedVal))
		p.buf = append(p.buf, castedVal...)
	case []byte:
		p.fmtRepeat(' ', padLen-len(castedVal))
		p.buf = append(p.buf, castedVal...)
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtRepeat writes count bytes with value ch.
func (p *printer) fmtRepeat(ch byte, count int) {
	for ; count > 0; count-- {
		p.buf = append(p.buf, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types.
func (p *printer) fmtInt(v interface{}, base uint64, digitSet string, padLen int) {
	var (
		uval uint64
		sval int64
		neg  bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	// Handle signs
	if sval < 0 {
		neg, uval = true, uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	var (
		digits [maxBufSize]byte
		start  = maxBufSize
	)
	for {
		start--
		digits[start] = digitSet[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}
	numLen := maxBufSize - start

	switch {
	case base != 10:
		// zero padding goes between the sign and the digits
		if neg {
			p.buf = append(p.buf, '-')
		}
		p.fmtRepeat('0', padLen-numLen)
	case neg && numLen < padLen:
		// the sign takes over the rightmost blank
		p.fmtRepeat(' ', padLen-numLen-1)
		p.buf = append(p.buf, '-')
	case neg:
		p.buf = append(p.buf, '-')
	default:
		p.fmtRepeat(' ', padLen-numLen)
	}

	p.buf = append(p.buf, digits[start:]...)
}

// doWrite sends p to w or, if w is nil, to the early print buffer.
func doWrite(w io.Writer, p []byte) {
	if len(p) == 0 {
		return
	}

	if w != nil {
		w.Write(p)
		return
	}

	earlyPrintLock.Acquire()
	earlyPrintBuffer.Write(p)
	earlyPrintLock.Release()
}
