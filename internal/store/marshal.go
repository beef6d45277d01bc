package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/canon"
)

// marshalData converts event data to canonical JSON TEXT for storage.
func marshalData(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := canon.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	return string(b), nil
}

// unmarshalData parses event data, keeping numbers as json.Number so
// uint64 amounts above 2^53 survive.
func unmarshalData(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal event data: %w", err)
	}
	return m, nil
}

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

func parseAmount(column, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return v, nil
}

func unixNano(t time.Time) int64 { return t.UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// nullTime maps an optional time to a nullable INTEGER.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromUnixNano(*n)
	return &t
}

func payloadText(p json.RawMessage) string { return string(p) }

func payloadRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
