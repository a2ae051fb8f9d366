package host

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// Frame is one unit of the Docker multiplexed log/exec byte format:
// [1-byte stream][3 bytes padding][4-byte big-endian size][payload].
type Frame struct {
	Stream  byte // 0 stdin, 1 stdout, 2 stderr
	Payload []byte
}

const frameHeaderLen = 8

// ParseFrames walks a multiplexed blob frame by frame. A truncated trailing
// frame is dropped rather than reported as an error.
func ParseFrames(data []byte) []Frame {
	var frames []Frame
	for len(data) >= frameHeaderLen {
		size := binary.BigEndian.Uint32(data[4:8])
		if uint64(frameHeaderLen)+uint64(size) > uint64(len(data)) {
			break
		}
		frames = append(frames, Frame{
			Stream:  data[0],
			Payload: data[frameHeaderLen : frameHeaderLen+size],
		})
		data = data[frameHeaderLen+size:]
	}
	return frames
}

// EncodeFrames re-emits frames in the Docker multiplexed format.
func EncodeFrames(frames []Frame) []byte {
	var n int
	for _, f := range frames {
		n += frameHeaderLen + len(f.Payload)
	}
	out := make([]byte, 0, n)
	var hdr [frameHeaderLen]byte
	for _, f := range frames {
		hdr[0] = f.Stream
		hdr[1], hdr[2], hdr[3] = 0, 0, 0
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Payload)))
		out = append(out, hdr[:]...)
		out = append(out, f.Payload...)
	}
	return out
}

// streamName maps a frame stream byte to the indexed stream field.
func streamName(b byte) string {
	if b == 2 {
		return "stderr"
	}
	return "stdout"
}

// LogMeta carries the indexing metadata attached to every parsed entry.
type LogMeta struct {
	Host          string
	ContainerID   string
	ContainerName string
	StackProject  string
	StackService  string
}

// ParseLogStream decodes a raw Docker log blob into entries. Multiplexed
// frames are tried first; if none parse and the blob is non-empty, the blob
// is treated as a single plain-text stream (TTY containers). Payload bytes
// are decoded as UTF-8 with lossy replacement, known-noise lines dropped.
func ParseLogStream(data []byte, meta LogMeta) []LogEntry {
	frames := ParseFrames(data)
	if len(frames) == 0 {
		if len(data) == 0 {
			return nil
		}
		return parseLines(string(sanitizeUTF8(data)), "stdout", meta)
	}

	var entries []LogEntry
	for _, f := range frames {
		entries = append(entries, parseLines(string(sanitizeUTF8(f.Payload)), streamName(f.Stream), meta)...)
	}
	return entries
}

func parseLines(text, stream string, meta LogMeta) []LogEntry {
	var entries []LogEntry
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		ts, msg := splitTimestamp(line)
		if msg == "" || isNoiseLine(msg) {
			continue
		}
		level, status := ScanLine(msg)
		entry := LogEntry{
			Timestamp:     ts,
			Host:          meta.Host,
			ContainerID:   meta.ContainerID,
			ContainerName: meta.ContainerName,
			StackProject:  meta.StackProject,
			StackService:  meta.StackService,
			Stream:        stream,
			Message:       msg,
			Level:         level,
			HTTPStatus:    status,
		}
		if strings.HasPrefix(msg, "{") {
			var fields map[string]any
			if json.Unmarshal([]byte(msg), &fields) == nil {
				entry.Fields = fields
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// splitTimestamp detects a leading RFC3339 timestamp (optional fractional
// part up to nanoseconds) and splits it off the message. The timestamp is
// truncated to microseconds. Lines without one get the current time.
func splitTimestamp(line string) (time.Time, string) {
	sp := strings.IndexByte(line, ' ')
	if sp > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, line[:sp]); err == nil {
			return ts.UTC().Truncate(time.Microsecond), strings.TrimSpace(line[sp+1:])
		}
	}
	// The whole line may be just a timestamp.
	if ts, err := time.Parse(time.RFC3339Nano, line); err == nil {
		return ts.UTC().Truncate(time.Microsecond), ""
	}
	return time.Now().UTC().Truncate(time.Microsecond), line
}

// noiseMarkers identify benign daemon chatter that is dropped from
// ingestion entirely, currently the Go cgroup-v2 CPU quota warning.
var noiseMarkers = []string{
	"failed to parse CPU allowed micro secs",
}

func isNoiseLine(msg string) bool {
	for _, m := range noiseMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// sanitizeUTF8 replaces invalid byte sequences with the replacement rune.
func sanitizeUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return []byte(strings.ToValidUTF8(string(b), "�"))
}

// ScanLine extracts an optional log level and an optional HTTP status from
// one message in a single pass. This runs once per ingested line, so it
// avoids regexes entirely.
func ScanLine(msg string) (level string, status int) {
	n := len(msg)
	for i := 0; i < n; {
		// Skip to the next token boundary.
		for i < n && isSeparator(msg[i]) {
			i++
		}
		start := i
		for i < n && !isSeparator(msg[i]) {
			i++
		}
		if start == i {
			continue
		}
		tok := msg[start:i]

		if level == "" {
			if lvl, ok := matchLevel(tok); ok {
				level = lvl
			}
		}
		if status == 0 {
			if s, ok := matchStatus(tok, msg, start); ok {
				status = s
			}
		}
		if level != "" && status != 0 {
			break
		}
	}
	return level, status
}

func isSeparator(b byte) bool {
	switch b {
	case ' ', '\t', '[', ']', '(', ')', '"', '\'', ',', '=', '|':
		return true
	}
	return false
}

// matchLevel recognizes the usual level tokens, bare or with a trailing
// colon, case-insensitively. Returns the canonical upper-case name.
func matchLevel(tok string) (string, bool) {
	tok = strings.TrimSuffix(tok, ":")
	if len(tok) < 4 || len(tok) > 8 {
		return "", false
	}
	switch strings.ToUpper(tok) {
	case "TRACE":
		return "TRACE", true
	case "DEBUG":
		return "DEBUG", true
	case "INFO":
		return "INFO", true
	case "WARN", "WARNING":
		return "WARN", true
	case "ERROR":
		return "ERROR", true
	case "FATAL":
		return "FATAL", true
	case "CRITICAL", "CRIT":
		return "CRITICAL", true
	}
	return "", false
}

// matchStatus accepts a bare 3-digit token in the HTTP status range when the
// surrounding context looks like an access log or a status k=v pair. Without
// context gating, every port number and byte count would become a "status".
func matchStatus(tok, msg string, start int) (int, bool) {
	if len(tok) != 3 {
		return 0, false
	}
	for i := 0; i < 3; i++ {
		if tok[i] < '0' || tok[i] > '9' {
			return 0, false
		}
	}
	code := int(tok[0]-'0')*100 + int(tok[1]-'0')*10 + int(tok[2]-'0')
	if code < 100 || code > 599 {
		return 0, false
	}

	// Access-log shape: the token follows `HTTP/x.y"` earlier in the line.
	if idx := strings.Index(msg[:start], "HTTP/"); idx >= 0 {
		return code, true
	}
	// Structured shape: status=NNN, status_code=NNN, "status": NNN.
	before := strings.ToLower(msg[:start])
	for _, key := range []string{"status", "status_code", "statuscode", "code"} {
		if strings.HasSuffix(strings.TrimRight(before, `=:" `), key) {
			return code, true
		}
	}
	return 0, false
}
