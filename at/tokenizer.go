package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing modem output. It uses the signature of
// bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also recognizes the raw
// input prompt: a bare '>' at the start of a line, optionally followed by
// a space, yields a ">" token.
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is
// enabled, it would need modification to handle command echoes that
// precede the actual response.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match the raw input prompt
	if data[0] == '>' {
		if len(data) > 1 && data[1] == ' ' {
			return 2, data[0:1], nil
		}
		if len(data) > 1 || atEOF {
			return 1, data[0:1], nil
		}
		// A space may still follow; wait for more input.
		return 0, nil, nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a token produced by Splitter.
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	switch line {
	case OK, ERROR:
		return TypeFinal
	}

	if strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError) {
		return TypeFinal
	}
	return TypeData
}

// FinalError reports whether line is an error final result. For
// "+CME ERROR: <text>" and "+CMS ERROR: <text>" the detail text is
// returned; for a bare "ERROR" the detail is empty.
func FinalError(line string) (detail string, ok bool) {
	switch {
	case line == ERROR:
		return "", true
	case strings.HasPrefix(line, CmeError):
		return line[len(CmeError):], true
	case strings.HasPrefix(line, CmsError):
		return line[len(CmsError):], true
	}
	return "", false
}
