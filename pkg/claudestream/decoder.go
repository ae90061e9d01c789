package claudestream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/agentmux/agentmux/internal/common/logger"
	"go.uber.org/zap"
)

// maxLineSize bounds a single stream line. Tool results can be large.
const maxLineSize = 10 * 1024 * 1024

// Decoder reads a byte stream and produces Events one at a time.
//
// The stream is split on newlines; each non-empty line is parsed as JSON.
// Malformed lines are logged and skipped, they never terminate the stream.
// Lines with an unrecognized type tag are returned as KindUnknown with the
// raw payload preserved. Only an underlying reader error (or EOF) ends the
// sequence.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *logger.Logger

	// An assistant message can carry several content blocks; they decode
	// into several events delivered before the next line is read.
	queue []Event
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader, log *logger.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{
		scanner: scanner,
		logger:  log.WithFields(zap.String("component", "stream-decoder")),
	}
}

// Next returns the next event. It returns io.EOF when the stream ends and
// the reader's error for lower-level failures.
func (d *Decoder) Next() (Event, error) {
	for {
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			return ev, nil
		}

		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}

		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		events, ok := decodeLine(line)
		if !ok {
			d.logger.Warn("skipping malformed stream line",
				zap.Int("length", len(line)))
			continue
		}
		d.queue = append(d.queue, events...)
	}
}

// decodeLine parses one stream line into zero or more events. The second
// return is false when the line is not valid JSON.
func decodeLine(line []byte) ([]Event, bool) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, false
	}

	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	switch msg.Type {
	case MessageTypeSystem:
		if msg.Subtype == SubtypeInit && msg.SessionID != "" {
			return []Event{{
				Kind: KindInit,
				Type: msg.Type,
				Raw:  raw,
				Init: &InitEvent{
					SessionID: msg.SessionID,
					Model:     msg.Model,
					Timestamp: msg.Timestamp,
				},
			}}, true
		}
		return []Event{{Kind: KindUnknown, Type: msg.Type, Raw: raw}}, true

	case MessageTypeAssistant:
		return decodeAssistant(&msg, raw), true

	case MessageTypeUser:
		// Tool results flowing back; the per-block scan below only cares
		// about tool_result blocks marking a tool use as finished.
		return decodeUser(&msg, raw), true

	case MessageTypeResult:
		return []Event{{
			Kind:   KindResult,
			Type:   msg.Type,
			Raw:    raw,
			Result: decodeResult(&msg),
		}}, true

	default:
		return []Event{{Kind: KindUnknown, Type: msg.Type, Raw: raw}}, true
	}
}

func decodeAssistant(msg *wireMessage, raw json.RawMessage) []Event {
	if msg.Message == nil || len(msg.Message.Content) == 0 {
		return []Event{{Kind: KindUnknown, Type: msg.Type, Raw: raw}}
	}

	var events []Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			events = append(events, Event{
				Kind: KindStream,
				Type: msg.Type,
				Raw:  raw,
				Stream: &StreamEvent{
					Inner: StreamTextDelta,
					Text:  block.Text,
				},
			})
		case "tool_use":
			events = append(events, Event{
				Kind: KindStream,
				Type: msg.Type,
				Raw:  raw,
				Stream: &StreamEvent{
					Inner:     StreamToolUseStart,
					ToolName:  block.Name,
					ToolUseID: block.ID,
					ToolInput: block.Input,
				},
			})
		default:
			// thinking and other block types pass through as opaque stream
			// chunks so history stays complete
			events = append(events, Event{
				Kind:   KindStream,
				Type:   msg.Type,
				Raw:    raw,
				Stream: &StreamEvent{Inner: StreamOther},
			})
		}
	}
	return events
}

func decodeUser(msg *wireMessage, raw json.RawMessage) []Event {
	if msg.Message == nil {
		return []Event{{Kind: KindUnknown, Type: msg.Type, Raw: raw}}
	}
	var events []Event
	for _, block := range msg.Message.Content {
		if block.Type == "tool_result" {
			events = append(events, Event{
				Kind: KindStream,
				Type: msg.Type,
				Raw:  raw,
				Stream: &StreamEvent{
					Inner:     StreamToolUseStop,
					ToolUseID: block.ToolUseID,
				},
			})
		}
	}
	if len(events) == 0 {
		return []Event{{Kind: KindUnknown, Type: msg.Type, Raw: raw}}
	}
	return events
}

func decodeResult(msg *wireMessage) *ResultEvent {
	status := StatusSuccess
	switch {
	case msg.Subtype == ResultInterrupted:
		status = StatusInterrupted
	case msg.IsError || msg.Subtype == ResultError || msg.Subtype == ResultMaxTurns:
		status = StatusError
	}
	return &ResultEvent{
		Status:  status,
		Text:    msg.resultText(),
		Metrics: msg.metrics(),
	}
}
