package resp

import (
	"strconv"
	"unsafe"
)

const (
	simpleStrPrefix = '+'
	simpleErrPrefix = '-'
	intPrefix       = ':'
	bulkStrPrefix   = '$'
	arrPrefix       = '*'
	crlf            = "\r\n"
)

var nullBulkBytes = []byte("$-1\r\n")
var nullArrBytes = []byte("*-1\r\n")

// Encoder buffers a sequence of RESP2-framed values. The buffer is an
// exported field to mutate as you like; this type exists mainly to attach
// a bunch of convenience methods for encoding RESP2 wire values.
type Encoder struct {
	Buf []byte
}

func (e *Encoder) Reset() { e.Buf = nil }

func (e *Encoder) WriteSimpleString(val string) {
	e.Buf = append(e.Buf, simpleStrPrefix)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, crlf...)
}

func (e *Encoder) WriteError(errType string, msg string) {
	e.Buf = append(e.Buf, simpleErrPrefix)
	e.Buf = append(e.Buf, errType...)
	e.Buf = append(e.Buf, ' ')
	e.Buf = append(e.Buf, msg...)
	e.Buf = append(e.Buf, crlf...)
}

func (e *Encoder) WriteInt(val int64) {
	e.Buf = append(e.Buf, intPrefix)
	e.Buf = strconv.AppendInt(e.Buf, val, 10)
	e.Buf = append(e.Buf, crlf...)
}

func (e *Encoder) WriteBulkString(val string) {
	e.Buf = append(e.Buf, bulkStrPrefix)
	e.Buf = append(e.Buf, strconv.Itoa(len(val))...)
	e.Buf = append(e.Buf, crlf...)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, crlf...)
}

func (e *Encoder) WriteBulkBytes(val []byte) {
	e.Buf = append(e.Buf, bulkStrPrefix)
	e.Buf = append(e.Buf, strconv.Itoa(len(val))...)
	e.Buf = append(e.Buf, crlf...)
	e.Buf = append(e.Buf, val...)
	e.Buf = append(e.Buf, crlf...)
}

// WriteNullBulk writes a RESP2 nil bulk string, $-1\r\n.
func (e *Encoder) WriteNullBulk() {
	e.Buf = append(e.Buf, nullBulkBytes...)
}

// WriteNullArray writes a RESP2 nil array, *-1\r\n.
func (e *Encoder) WriteNullArray() {
	e.Buf = append(e.Buf, nullArrBytes...)
}

// WriteArrayHeader writes an array's length prefix; callers must follow up
// with exactly arrLen encoded values.
func (e *Encoder) WriteArrayHeader(arrLen int) {
	e.Buf = append(e.Buf, arrPrefix)
	e.Buf = append(e.Buf, strconv.Itoa(arrLen)...)
	e.Buf = append(e.Buf, crlf...)
}

// WriteRaw appends pre-framed bytes verbatim (used for RDB payloads, which
// have no trailing CRLF of their own).
func (e *Encoder) WriteRaw(b []byte) {
	e.Buf = append(e.Buf, b...)
}

// WriteStringArray is a convenience helper that frames a slice of plain
// strings as a RESP2 array of bulk strings.
func (e *Encoder) WriteStringArray(vals []string) {
	e.WriteArrayHeader(len(vals))
	for _, v := range vals {
		e.WriteBulkString(v)
	}
}

// BytesAndReset returns the buffer's contents, then resets the buffer. The
// returned slice is the buffer itself, not a copy; don't retain it across
// another write to this Encoder.
func (e *Encoder) BytesAndReset() []byte {
	b := e.Buf
	e.Buf = nil
	return b
}

// StringAndReset returns the buffer's contents as a string sharing the same
// backing array (no copy), then resets the buffer. The returned string must
// not be used after another write to this Encoder.
func (e *Encoder) StringAndReset() (str string) {
	str = unsafe.String(unsafe.SliceData(e.Buf), len(e.Buf))
	e.Reset()
	return str
}
