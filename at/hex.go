package at

import "fmt"

const hexDigits = "0123456789ABCDEF"

// EncodeHex returns the uppercase hex expansion of src, two characters
// per byte. The device rejects lowercase payloads.
func EncodeHex(src []byte) []byte {
	dst := make([]byte, 2*len(src))
	for i, b := range src {
		dst[2*i] = hexDigits[b>>4]
		dst[2*i+1] = hexDigits[b&0x0f]
	}
	return dst
}

// DecodeHex converts a hex span back to bytes. Both cases are accepted;
// odd length or a non-hex character is an error rather than a truncated
// result.
func DecodeHex(src []byte) ([]byte, error) {
	if len(src)%2 != 0 {
		return nil, fmt.Errorf("at: odd hex length %d", len(src))
	}
	dst := make([]byte, len(src)/2)
	for i := range dst {
		hi, ok := fromHex(src[2*i])
		if !ok {
			return nil, fmt.Errorf("at: bad hex digit %q", src[2*i])
		}
		lo, ok := fromHex(src[2*i+1])
		if !ok {
			return nil, fmt.Errorf("at: bad hex digit %q", src[2*i+1])
		}
		dst[i] = hi<<4 | lo
	}
	return dst, nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
