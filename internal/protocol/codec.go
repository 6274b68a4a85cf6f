package protocol

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	versionPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	actionPattern  = regexp.MustCompile(`^[A-Z_]+$`)
	lengthPattern  = regexp.MustCompile(`^\d+$`)
)

// EncodeHeader renders the header block (without the trailing separator).
// Version and Action are the only required fields. Additional entries are
// written in key order so the output is deterministic.
func EncodeHeader(h Header) (string, error) {
	if h.Version <= 0 || h.Action == "" {
		return "", ErrMissingField
	}

	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(h.Version, 'f', -1, 64))
	sb.WriteString("\r\n")
	sb.WriteString(h.Action)
	sb.WriteString("\r\n")
	sb.WriteString(strconv.Itoa(h.DataLength))

	keys := make([]string, 0, len(h.Additional))
	for k := range h.Additional {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString("\r\n")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(h.Additional[k])
	}

	return sb.String(), nil
}

// Encode serializes a header and payload into one wire packet. DataLength is
// always taken from the payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	h.DataLength = len(payload)
	head, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(head)+len(Separator)+len(payload))
	buf = append(buf, head...)
	buf = append(buf, Separator...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeHeader parses a header block (the bytes before the first separator).
// Lines after the third are "key: value" pairs split at the last colon;
// lines without a colon, or with an empty key or value, are dropped.
func DecodeHeader(block string) (Header, error) {
	lines := strings.Split(block, "\r\n")
	if len(lines) < 3 {
		return Header{}, fmt.Errorf("%w: %d lines", ErrMalformedHeader, len(lines))
	}

	if !versionPattern.MatchString(lines[0]) {
		return Header{}, fmt.Errorf("%w: version %q", ErrMalformedHeader, lines[0])
	}
	version, err := strconv.ParseFloat(lines[0], 64)
	if err != nil || version <= 0 {
		return Header{}, fmt.Errorf("%w: version %q", ErrMalformedHeader, lines[0])
	}

	if !actionPattern.MatchString(lines[1]) {
		return Header{}, fmt.Errorf("%w: action %q", ErrMalformedHeader, lines[1])
	}

	if !lengthPattern.MatchString(lines[2]) {
		return Header{}, fmt.Errorf("%w: data length %q", ErrMalformedHeader, lines[2])
	}
	length, err := strconv.Atoi(lines[2])
	if err != nil {
		return Header{}, fmt.Errorf("%w: data length %q", ErrMalformedHeader, lines[2])
	}
	if length > MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	h := Header{
		Version:    version,
		Action:     lines[1],
		DataLength: length,
		Additional: make(map[string]string, len(lines)-3),
	}
	for _, line := range lines[3:] {
		i := strings.LastIndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key == "" || value == "" {
			continue
		}
		h.Additional[key] = value
	}

	return h, nil
}
