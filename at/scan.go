package at

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// Scan extracts positional arguments from a response span. Fields are
// separated by commas outside double quotes; the span end closes the
// last field. The format string is walked one verb at a time:
//
//	i   unsigned decimal, tolerating stray ' ', '\r', '\n' between
//	    digits; an empty field parses as 0; destination *int
//	s   the raw field bytes; destination *[]byte
//	S   like s with one level of surrounding quotes stripped
//
// Any other format character is ignored. Spans handed out are subslices
// of data, never copies. Scan returns the number of conversions completed
// and stops at the first field that fails; it never reads past the span.
func Scan(data []byte, format string, out ...any) int {
	n := 0
	pos := 0
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case 'i':
			if n >= len(out) {
				return n
			}
			field, next, ok := nextField(data, pos)
			if !ok {
				return n
			}
			v, ok := parseNumber(field)
			if !ok {
				return n
			}
			dst, ok := out[n].(*int)
			if !ok {
				return n
			}
			*dst = v
			n++
			pos = next
		case 's', 'S':
			if n >= len(out) {
				return n
			}
			field, next, ok := nextField(data, pos)
			if !ok {
				return n
			}
			if format[i] == 'S' {
				field = Unquote(field)
			}
			dst, ok := out[n].(*[]byte)
			if !ok {
				return n
			}
			*dst = field
			n++
			pos = next
		}
	}
	return n
}

// nextField returns the field starting at pos and the position just past
// its delimiter. A field opening with '"' runs to the closing quote, so
// quoted values may contain commas. pos > len(data) means the previous
// field already closed the span, so no further field exists.
func nextField(data []byte, pos int) (field []byte, next int, ok bool) {
	if pos > len(data) {
		return nil, 0, false
	}
	if pos < len(data) && data[pos] == '"' {
		if j := bytes.IndexByte(data[pos+1:], '"'); j >= 0 {
			end := pos + 1 + j + 1
			if end < len(data) && data[end] == ',' {
				return data[pos:end], end + 1, true
			}
			return data[pos:end], len(data) + 1, true
		}
	}
	for i := pos; i < len(data); i++ {
		if data[i] == ',' {
			return data[pos:i], i + 1, true
		}
	}
	return data[pos:], len(data) + 1, true
}

func parseNumber(field []byte) (int, bool) {
	v := 0
	for _, c := range field {
		switch {
		case c >= '0' && c <= '9':
			v = v*10 + int(c-'0')
		case c == ' ' || c == '\r' || c == '\n':
		default:
			return 0, false
		}
	}
	return v, true
}

// Unquote strips one level of surrounding double quotes, if present.
func Unquote(field []byte) []byte {
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		return field[1 : len(field)-1]
	}
	return field
}

// Build assembles a command as "AT" + body + format-driven arguments +
// '\r' and writes it to w in a single call. Format verbs:
//
//	i   decimal integer, argument int
//	s   raw bytes, argument []byte or string
//
// every other format character is emitted verbatim. The caller serializes
// access to w.
func Build(w io.Writer, cmd *Command, format string, args ...any) error {
	buf := make([]byte, 0, 32+len(format))
	buf = append(buf, "AT"...)
	buf = append(buf, cmd.Body...)
	ai := 0
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case 'i':
			v, ok := arg[int](args, ai)
			if !ok {
				return fmt.Errorf("at: %s argument %d: want int", cmd.Body, ai)
			}
			buf = strconv.AppendInt(buf, int64(v), 10)
			ai++
		case 's':
			if ai >= len(args) {
				return fmt.Errorf("at: %s argument %d: missing", cmd.Body, ai)
			}
			switch v := args[ai].(type) {
			case []byte:
				buf = append(buf, v...)
			case string:
				buf = append(buf, v...)
			default:
				return fmt.Errorf("at: %s argument %d: want bytes", cmd.Body, ai)
			}
			ai++
		default:
			buf = append(buf, format[i])
		}
	}
	buf = append(buf, '\r')
	_, err := w.Write(buf)
	return err
}

func arg[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, false
	}
	return v, true
}
