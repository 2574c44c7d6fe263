// Package kfmt implements the kernel log: an allocation-free Printf that
// writes to a registered sink or, before one exists, to a ring buffer.
package kfmt

import (
	"io"
	"unsafe"

	"kcore/kernel"
	"kcore/kernel/sync"
)

const (
	// maxBufSize defines the buffer size for formatting numbers.
	maxBufSize = 32

	// lockAttempts bounds how long Fprintf waits for a concurrent writer
	// before dropping its output.
	lockAttempts = 1024
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = []byte("0123456789abcdef")

	numFmtBuf [maxBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// printLock serializes access to the shared formatting buffers when
	// several CPUs log at the same time.
	printLock sync.Spinlock

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be used from any
// part of the kernel core, including code running with interrupts disabled or
// before the Go allocator is available. It never allocates memory.
//
// The following subset of formatting verbs is supported:
//
//	%s strings, byte slices and *kernel.Error values (the error message)
//	%o, %d, %x integers in base 8, 10 and 16
//	%t booleans
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Logging is best-effort: if another CPU holds the formatter for too long
// the output of this call is dropped rather than blocking the caller.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var locked bool
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if locked = printLock.TryToAcquire(); locked {
			break
		}
	}
	if !locked {
		return
	}
	defer printLock.Release()

	var (
		nextArgIndex int
		fmtLen       = len(format)
	)

	for index := 0; index < fmtLen; index++ {
		if format[index] != '%' {
			writeByte(w, format[index])
			continue
		}

		// Parse optional width followed by the verb
		padLen := 0
		for index++; index < fmtLen && format[index] >= '0' && format[index] <= '9'; index++ {
			padLen = (padLen * 10) + int(format[index]-'0')
		}

		if index == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[index]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if nextArgIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[nextArgIndex]
		nextArgIndex++

		switch verb {
		case 'o':
			fmtInt(w, arg, 8, padLen)
		case 'd':
			fmtInt(w, arg, 10, padLen)
		case 'x':
			fmtInt(w, arg, 16, padLen)
		case 's':
			fmtString(w, arg, padLen)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of a string, byte slice or kernel
// error value v, applying the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	var str string
	switch castedVal := v.(type) {
	case string:
		str = castedVal
	case *kernel.Error:
		if castedVal != nil {
			str = castedVal.Message
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
		return
	default:
		doWrite(w, errWrongArgType)
		return
	}

	fmtRepeat(w, ' ', padLen-len(str))
	// converting the string to a byte slice triggers a memory allocation
	// so we need to do this one byte at a time.
	for i := 0; i < len(str); i++ {
		writeByte(w, str[i])
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		writeByte(w, ch)
	}
}

// intArg extracts the magnitude and sign of an integer argument.
func intArg(v interface{}) (mag uint64, neg, ok bool) {
	var sval int64
	switch castedVal := v.(type) {
	case uint8:
		return uint64(castedVal), false, true
	case uint16:
		return uint64(castedVal), false, true
	case uint32:
		return uint64(castedVal), false, true
	case uint64:
		return castedVal, false, true
	case uint:
		return uint64(castedVal), false, true
	case uintptr:
		return uint64(castedVal), false, true
	case int8:
		sval = int64(castedVal)
	case int16:
		sval = int64(castedVal)
	case int32:
		sval = int64(castedVal)
	case int64:
		sval = castedVal
	case int:
		sval = int64(castedVal)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(-sval), true, true
	}
	return uint64(sval), false, true
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. Digits are generated right-to-left into
// numFmtBuf so no reversal pass is needed.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	mag, neg, ok := intArg(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if padLen > maxBufSize {
		padLen = maxBufSize
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	start := maxBufSize
	for {
		start--
		numFmtBuf[start] = hexDigits[mag%uint64(base)]
		if mag /= uint64(base); mag == 0 {
			break
		}
	}

	digits := maxBufSize - start
	if neg {
		digits++
	}

	switch {
	case neg && padCh == ' ':
		// sign sticks to the digits; spaces go before it
		start--
		numFmtBuf[start] = '-'
		for ; maxBufSize-start < padLen; start-- {
			numFmtBuf[start-1] = ' '
		}
	case neg:
		// zero padding goes between the sign and the digits
		for ; maxBufSize-start < padLen-1; start-- {
			numFmtBuf[start-1] = '0'
		}
		start--
		numFmtBuf[start] = '-'
	default:
		for ; maxBufSize-start < padLen; start-- {
			numFmtBuf[start-1] = padCh
		}
	}

	doWrite(w, numFmtBuf[start:])
}

// writeByte emits a single byte through the shared singleByte buffer.
func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown outputSink
// io.Writer) and plays it safe by flagging it as escaping, which makes every
// Printf call allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		// write errors are dropped; logging is best-effort
		_, _ = w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
