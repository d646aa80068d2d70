// Package canonical produces deterministic, implementation-independent byte
// encodings of JSON-like values. Two independent services must compute
// identical bytes (and therefore identical hashes) for the same logical value,
// so the rules here are fixed: object keys sorted byte-wise, array order
// preserved, strings JSON-encoded without HTML escaping, numbers kept in their
// textual form when decoded with json.Number, no incidental whitespace and no
// trailing newline.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical byte encoding of v.
//
// Values outside the JSON data model that cannot be normalized (channels,
// functions, cyclic structures) are an error; nothing is ever silently coerced.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash canonicalizes v and returns the hex-encoded SHA-256 digest alongside
// the canonical bytes.
func Hash(v any) (string, []byte, error) {
	canon, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), canon, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// Keep the textual representation so large integers survive intact.
		buf.WriteString(vv.String())
	case string:
		return encodeString(buf, vv)
	case float64:
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical: encode number: %w", err)
		}
		buf.Write(b)
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case []any:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return encodeNormalized(buf, vv)
	}
	return nil
}

// encodeString writes a JSON string without HTML escaping and without the
// trailing newline json.Encoder appends.
func encodeString(buf *bytes.Buffer, s string) error {
	var sb bytes.Buffer
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonical: encode string: %w", err)
	}
	buf.Write(bytes.TrimRight(sb.Bytes(), "\n"))
	return nil
}

// encodeNormalized handles structs and other custom types by round-tripping
// them through encoding/json with UseNumber, then encoding the normalized
// primitives. Unsupported types surface the json.Marshal error.
func encodeNormalized(buf *bytes.Buffer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("canonical: unsupported value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var tmp any
	if err := dec.Decode(&tmp); err != nil {
		return fmt.Errorf("canonical: normalize value: %w", err)
	}
	return encode(buf, tmp)
}
