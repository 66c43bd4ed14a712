// Package signature derives a content-identity for tool calls.
//
// Two calls share a signature iff they name the same tool and their
// arguments are equal after canonicalisation: object keys sorted at every
// depth, arrays kept in order, numbers kept as their literal text. Field
// order, whitespace and the call id therefore never change the signature.
package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// Signer computes signatures, optionally ignoring volatile fields
// (timestamps, request ids) wherever they appear in the arguments.
type Signer struct {
	ignore map[string]struct{}
}

// NewSigner returns a Signer that drops the named object keys at every depth.
func NewSigner(ignoreFields ...string) *Signer {
	s := &Signer{ignore: make(map[string]struct{}, len(ignoreFields))}
	for _, f := range ignoreFields {
		if f = strings.TrimSpace(f); f != "" {
			s.ignore[f] = struct{}{}
		}
	}
	return s
}

var plain = NewSigner()

// Of returns the signature of a call with no ignored fields.
func Of(name string, args json.RawMessage) string {
	return plain.Of(name, args)
}

// Of returns the hex SHA-256 of name and the canonical form of args.
// Arguments that do not parse as JSON are hashed as raw bytes under a
// separate prefix, so they never collide with a parseable payload.
func (s *Signer) Of(name string, args json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})

	canon, err := s.Canonical(args)
	if err != nil {
		h.Write([]byte("raw\x00"))
		h.Write(args)
	} else {
		h.Write(canon)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Canonical returns the canonical JSON encoding of args.
// Empty input canonicalises to the empty object.
func (s *Signer) Canonical(args json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return []byte("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// Trailing data after the first value is not a valid argument payload.
	if dec.More() {
		return nil, errTrailingData
	}

	var buf bytes.Buffer
	if err := s.write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Signer) write(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			if _, skip := s.ignore[k]; skip {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := s.write(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := s.write(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

var errTrailingData = errors.New("signature: trailing data after arguments")
