package dnssd

import (
	"fmt"
	"strings"

	otbr "github.com/threadbr/go-otbr"
)

const maxTxtEntryLen = 255

// TxtEntry is a single key/value attribute of a TXT record. Boolean
// attributes have no value and are encoded as the bare key.
type TxtEntry struct {
	Key       string
	Value     []byte
	IsBoolean bool
}

func (e TxtEntry) String() string {
	if e.IsBoolean {
		return e.Key
	}

	return e.Key + "=" + string(e.Value)
}

// EncodeTXT produces TXT rdata out of entries. An empty list encodes to a
// single empty string as required by RFC 6763.
func EncodeTXT(entries []TxtEntry) ([]byte, error) {
	if len(entries) == 0 {
		return []byte{0}, nil
	}

	var out []byte
	for _, e := range entries {
		if e.Key == "" || strings.ContainsRune(e.Key, '=') {
			return nil, fmt.Errorf("invalid txt key %q: %w", e.Key, otbr.ErrInvalidArgs)
		}

		s := e.String()
		if len(s) > maxTxtEntryLen {
			return nil, fmt.Errorf("txt entry %q too long: %w", e.Key, otbr.ErrInvalidArgs)
		}

		out = append(out, byte(len(s)))
		out = append(out, s...)
	}

	return out, nil
}

// DecodeTXT parses TXT rdata, empty strings are skipped.
func DecodeTXT(data []byte) ([]TxtEntry, error) {
	var entries []TxtEntry
	for len(data) > 0 {
		l := int(data[0])
		if 1+l > len(data) {
			return nil, fmt.Errorf("truncated txt data: %w", otbr.ErrParse)
		}

		s := string(data[1 : 1+l])
		data = data[1+l:]
		if s == "" {
			continue
		}

		if key, value, ok := strings.Cut(s, "="); ok {
			entries = append(entries, TxtEntry{Key: key, Value: []byte(value)})
		} else {
			entries = append(entries, TxtEntry{Key: s, IsBoolean: true})
		}
	}

	return entries, nil
}

// TxtStrings converts rdata into the "key=value" strings zeroconf libraries
// usually work with.
func TxtStrings(data []byte) []string {
	var out []string
	for len(data) > 0 {
		l := int(data[0])
		if 1+l > len(data) {
			break
		}

		if l > 0 {
			out = append(out, string(data[1:1+l]))
		}
		data = data[1+l:]
	}

	return out
}

// TxtFromStrings is the inverse of TxtStrings, entries longer than a single
// string can hold are truncated.
func TxtFromStrings(strs []string) []byte {
	if len(strs) == 0 {
		return []byte{0}
	}

	var out []byte
	for _, s := range strs {
		if len(s) > maxTxtEntryLen {
			s = s[:maxTxtEntryLen]
		}

		out = append(out, byte(len(s)))
		out = append(out, s...)
	}

	return out
}
