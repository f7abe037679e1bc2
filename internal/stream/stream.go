// Package stream decodes the chunked stdout of an agent process into
// display events. The agent emits one JSON record per line in the claude
// stream-json format; anything that is not a recognized record is passed
// through untouched so no output is ever lost.
package stream

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// toolPreviewMax caps the rendered argument preview for tool invocations.
const toolPreviewMax = 120

// LineBuffer reassembles complete lines out of arbitrary byte chunks. A
// partial line at the end of a chunk is carried over to the next one, so
// line boundaries are independent of how the bytes were chunked.
type LineBuffer struct {
	carry strings.Builder
}

// Feed appends a chunk and returns every line it completes, without
// trailing newlines. The final fragment stays buffered.
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.carry.Write(chunk)
	buf := b.carry.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil
	}
	b.carry.Reset()
	b.carry.WriteString(buf[idx+1:])
	return strings.Split(buf[:idx], "\n")
}

// Flush returns the buffered fragment, if any, as a final line.
func (b *LineBuffer) Flush() []string {
	if b.carry.Len() == 0 {
		return nil
	}
	line := b.carry.String()
	b.carry.Reset()
	return []string{line}
}

// Parser is a LineBuffer plus structured decoding of each complete line.
type Parser struct {
	lines LineBuffer
}

// Feed appends a chunk and returns the display text for every complete
// line it finishes.
func (p *Parser) Feed(chunk []byte) []string {
	var out []string
	for _, line := range p.lines.Feed(chunk) {
		if text, ok := DecodeLine(line); ok {
			out = append(out, text)
		}
	}
	return out
}

// Flush decodes whatever is still buffered, treating it as a complete
// line. Called once when the process exits so a missing trailing newline
// cannot swallow output.
func (p *Parser) Flush() []string {
	var out []string
	for _, line := range p.lines.Flush() {
		if text, ok := DecodeLine(line); ok {
			out = append(out, text)
		}
	}
	return out
}

type streamRecord struct {
	Type    string       `json:"type"`
	Subtype string       `json:"subtype"`
	Message *messageBody `json:"message,omitempty"`
	Delta   *deltaBody   `json:"delta,omitempty"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type deltaBody struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeLine turns one complete output line into display text. Structured
// records get rendered; everything else is forwarded verbatim. The only
// lines suppressed are empty ones and recognized records with no
// displayable content.
func DecodeLine(line string) (string, bool) {
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	var rec streamRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return line, true
	}
	switch rec.Type {
	case "assistant":
		if rec.Message == nil {
			return line, true
		}
		var parts []string
		for _, block := range rec.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					parts = append(parts, block.Text)
				}
			case "tool_use":
				parts = append(parts, toolSummary(block.Name, block.Input))
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, "\n"), true
	case "content_block_delta":
		if rec.Delta != nil && rec.Delta.Type == "text_delta" && rec.Delta.Text != "" {
			return rec.Delta.Text, true
		}
		return "", false
	case "system":
		if rec.Subtype != "" {
			return "[system] " + rec.Subtype, true
		}
		return "[system] " + line, true
	default:
		// Unrecognized record type: forward the raw line rather than guess.
		return line, true
	}
}

// toolSummary renders a tool invocation as a one-line preview.
func toolSummary(name string, input json.RawMessage) string {
	preview := strings.Join(strings.Fields(string(input)), " ")
	if len(preview) > toolPreviewMax {
		cut := toolPreviewMax
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut] + "..."
	}
	if name == "" {
		name = "tool"
	}
	return "[tool] " + name + " " + preview
}
