package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"blockcollab/backend/internal/model"
)

// Snapshots are decoded one block at a time so a malformed entry is dropped
// without losing the rest of the list.

type rawBlock map[string]json.RawMessage

func (r rawBlock) first(keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// decodeBlocks accepts a bare array or an object carrying a "blocks" array.
func decodeBlocks(data []byte) ([]model.Block, error) {
	trimmed := bytes.TrimSpace(data)
	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Blocks []json.RawMessage `json:"blocks"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode blocks: %w", err)
		}
		items = env.Blocks
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}

	out := make([]model.Block, 0, len(items))
	for i, item := range items {
		b, err := parseBlock(item)
		if err != nil {
			log.Printf("skip malformed block #%d: %v", i, err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// decodeBlock reads {"block": {...}} or a bare block object.
func decodeBlock(data []byte) (model.Block, error) {
	var env struct {
		Block json.RawMessage `json:"block"`
	}
	if err := json.Unmarshal(data, &env); err == nil && !isNull(env.Block) {
		data = env.Block
	}
	return parseBlock(data)
}

func parseBlock(data json.RawMessage) (model.Block, error) {
	var r rawBlock
	if err := json.Unmarshal(data, &r); err != nil || r == nil {
		return model.Block{}, fmt.Errorf("not an object")
	}
	var b model.Block

	raw, ok := r.first("id", "blockId")
	if !ok {
		return b, fmt.Errorf("missing id")
	}
	id, err := parseString(raw)
	if err != nil || id == "" {
		return b, fmt.Errorf("bad id %s", raw)
	}
	b.ID = id

	if raw, ok := r.first("index", "order"); ok {
		n, err := parseInt(raw)
		if err != nil {
			return b, fmt.Errorf("block %s: bad index: %w", id, err)
		}
		b.Index = int(n)
	}
	if raw, ok := r.first("version"); ok {
		n, err := parseInt(raw)
		if err != nil {
			return b, fmt.Errorf("block %s: bad version: %w", id, err)
		}
		b.Version = n
	}

	// the remaining fields are display data; bad values fall back to zero
	b.Kind = optString(r, "type", "kind")
	b.Text = optString(r, "text", "content")
	b.LockHolder = optString(r, "lockHolder", "lockedBy")
	b.LastModifiedBy = optString(r, "updatedBy", "lastModifiedBy")
	if raw, ok := r.first("lockUntil", "lockExpiresAt"); ok {
		b.LockExpiresAt, _ = parseTime(raw)
	}
	if raw, ok := r.first("updatedAt", "lastModifiedAt"); ok {
		b.LastModifiedAt, _ = parseTime(raw)
	}
	return b, nil
}

func optString(r rawBlock, keys ...string) string {
	raw, ok := r.first(keys...)
	if !ok {
		return ""
	}
	s, _ := parseString(raw)
	return s
}

func parseString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("not a string: %s", raw)
}

// parseInt reads integers exactly; floats are accepted only when whole.
func parseInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("not an integer: %s", n)
		}
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, fmt.Errorf("not a number: %s", raw)
}

// epoch values at or above this are milliseconds
const millisThreshold = 1e12

// parseTime accepts RFC 3339 strings, epoch seconds or milliseconds (as
// numbers or numeric strings) and {seconds,nanoseconds} objects, with or
// without a leading underscore.
func parseTime(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q", s)
		}
		return epoch(f), nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return epoch(f), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		sec, ok1 := rawBlock(obj).first("_seconds", "seconds")
		nsec, ok2 := rawBlock(obj).first("_nanoseconds", "nanoseconds", "nanos")
		if !ok1 {
			return time.Time{}, fmt.Errorf("timestamp object without seconds")
		}
		secs, err := parseInt(sec)
		if err != nil {
			return time.Time{}, err
		}
		var nanos int64
		if ok2 {
			if nanos, err = parseInt(nsec); err != nil {
				return time.Time{}, err
			}
		}
		return time.Unix(secs, nanos).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad timestamp %s", raw)
}

func epoch(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	if f >= millisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func decodeLease(data []byte) (model.Lease, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	r := rawBlock(env)
	if inner, ok := r.first("lease"); ok {
		if err := json.Unmarshal(inner, &env); err != nil {
			return model.Lease{}, fmt.Errorf("decode lease: %w", err)
		}
		r = rawBlock(env)
	}
	var l model.Lease
	l.Holder = optString(r, "lockHolder", "holder")
	if raw, ok := r.first("lockUntil", "expiresAt"); ok {
		t, err := parseTime(raw)
		if err != nil {
			return l, fmt.Errorf("decode lease: %w", err)
		}
		l.ExpiresAt = t
	}
	return l, nil
}

func decodeDocument(data []byte) (model.Document, error) {
	var env struct {
		Document *model.Document `json:"document"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Document{}, fmt.Errorf("decode document: %w", err)
	}
	if env.Document != nil {
		return *env.Document, nil
	}
	var d model.Document
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Document{}, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}
