// Package canonical provides a stable JSON encoding and the content hashes
// derived from it. Every hash in the system — log content hashes, audit chain
// self-hashes, Merkle leaves, pack hashes — is computed over this encoding,
// so proofs produced anywhere verify everywhere.
//
// Canonical form: UTF-8, object keys sorted lexicographically at every level,
// no insignificant whitespace, numbers in shortest round-trip form
// (integer literals kept verbatim, fractional/exponent literals re-formatted
// via strconv shortest float). Timestamps are always encoded by callers as
// epoch milliseconds in UTC before hashing.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fraware/accountabilitylayer/pkg/models"
)

// Marshal returns the canonical JSON encoding of v.
// v is first flattened through encoding/json so struct tags apply, then
// re-emitted with sorted keys and normalized numbers.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the hex-encoded SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex-encoded SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CombineHashes derives a parent node hash from two child hashes.
// The children's hex representations are concatenated and re-hashed;
// Merkle proof verification relies on the same combination.
func CombineHashes(left, right string) string {
	return HashBytes([]byte(left + right))
}

// HashLog computes the content hash of a decision log over the fixed field
// set (agent_id, step_id, timestamp, input_data, output, reasoning, status,
// version). Review state and retention tier are deliberately excluded:
// reviewing a log changes its version, not its recorded reasoning.
func HashLog(l *models.DecisionLog) (string, error) {
	return Hash(map[string]any{
		"agent_id":   l.AgentID,
		"step_id":    l.StepID,
		"timestamp":  l.Timestamp.UTC().UnixMilli(),
		"input_data": l.InputData,
		"output":     l.Output,
		"reasoning":  l.Reasoning,
		"status":     l.Status,
		"version":    l.Version,
	})
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: string: %w", err)
		}
		buf.Write(b)
	case json.Number:
		return encodeNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: key: %w", err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// encodeNumber keeps integer literals verbatim and rewrites fractional or
// exponent literals to the shortest form that round-trips through float64,
// so "1.0", "1e0" and "1" all canonicalize to "1".
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: number %q: %w", s, err)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
