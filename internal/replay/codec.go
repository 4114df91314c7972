package replay

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	apperrors "github.com/DoyleJ11/arena-backend/internal/platform/errors"
)

// maxLineBytes bounds one NDJSON line; snapshots of large arenas are the
// longest lines.
const maxLineBytes = 16 << 20

// Encode writes data as gzip-compressed NDJSON: metadata, initial state,
// then one event per line.
func Encode(w io.Writer, data *Data) error {
	if data == nil || data.Initial == nil {
		return fmt.Errorf("replay has no initial state")
	}
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(data.Metadata); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := enc.Encode(data.Initial); err != nil {
		return fmt.Errorf("encode initial state: %w", err)
	}
	for i := range data.Events {
		if err := enc.Encode(&data.Events[i]); err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
	}
	return zw.Close()
}

// Decode reads a replay written by Encode. Any malformed or truncated input
// fails the whole load with a MalformedReplayRecord error naming the line.
func Decode(r io.Reader) (*Data, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, malformed(0, "open gzip stream", err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	data := &Data{}
	line := 0
	var lastTick uint64
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		switch line {
		case 1:
			if err := json.Unmarshal(raw, &data.Metadata); err != nil {
				return nil, malformed(line, "decode metadata", err)
			}
		case 2:
			if err := json.Unmarshal(raw, &data.Initial); err != nil {
				return nil, malformed(line, "decode initial state", err)
			}
			if data.Initial == nil {
				return nil, malformed(line, "initial state is null", nil)
			}
			lastTick = data.Initial.Tick
		default:
			var evt RecordedEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				return nil, malformed(line, "decode event", err)
			}
			if evt.Tick < lastTick {
				return nil, malformed(line, fmt.Sprintf("event tick %d before %d", evt.Tick, lastTick), nil)
			}
			lastTick = evt.Tick
			data.Events = append(data.Events, evt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed(line+1, "read", err)
	}
	if line < 2 {
		return nil, malformed(line, "missing header lines", nil)
	}
	return data, nil
}

func malformed(line int, message string, cause error) error {
	meta := map[string]string{"line": fmt.Sprint(line)}
	msg := fmt.Sprintf("line %d: %s", line, message)
	if cause != nil {
		return &apperrors.Error{Code: apperrors.CodeMalformedReplayRecord, Message: msg, Metadata: meta, Cause: cause}
	}
	return apperrors.WithMetadata(apperrors.CodeMalformedReplayRecord, msg, meta)
}
