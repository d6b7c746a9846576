package parser

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	relaymodel "github.com/coreshub/imaas-gateway/relay/model"

	"github.com/coreshub/imaas-gateway/common/config"
)

// Package parser turns an upstream server-sent-events bytestream into typed
// chunks, normalizing <think> reasoning output and patching incomplete
// tool-call arguments along the way. The controller forwards chunk bytes to
// the client in order and reads usage and accumulated text back out for
// accounting.

const thinkCloseTag = "</think>"

// ChunkType classifies a parsed chunk.
type ChunkType int

const (
	// Text is any passthrough content chunk.
	Text ChunkType = iota
	// Usage is the first chunk carrying a usage block after the stream finished.
	Usage
	// Done is the literal [DONE] terminator.
	Done
	// Error marks an unparsable data line, still forwarded verbatim.
	Error
)

// Chunk is one downstream-ready unit. Bytes carries the full wire frame.
type Chunk struct {
	Type  ChunkType
	Bytes []byte
	Usage *relaymodel.Usage
	// HasChoices reports whether the payload carried a non-empty choices
	// array, deciding whether a usage chunk is forwarded downstream.
	HasChoices bool
}

var (
	thinkOnce sync.Once
	thinkRe   []*regexp.Regexp
)

// IsThinkModel reports whether the model emits a </think> delimited
// reasoning prefix, per the THINK_MODELS patterns.
func IsThinkModel(modelName string) bool {
	thinkOnce.Do(func() {
		for _, pat := range strings.Split(config.ThinkModels, ",") {
			pat = strings.TrimSpace(pat)
			if pat == "" {
				continue
			}
			re, err := regexp.Compile("^(?:" + pat + ")$")
			if err != nil {
				continue
			}
			thinkRe = append(thinkRe, re)
		}
	})
	for _, re := range thinkRe {
		if re.MatchString(modelName) {
			return true
		}
	}
	return false
}

// ResetThinkModels recompiles the THINK_MODELS patterns, for tests that
// change the configuration.
func ResetThinkModels() {
	thinkOnce = sync.Once{}
	thinkRe = nil
}

// StreamParser consumes one upstream stream. Not safe for concurrent use.
type StreamParser struct {
	buf []byte

	thinkMode         bool
	thinking          bool
	sawReasoningField bool
	finished          bool
	usageSeen         bool
	toolsSynthesized  bool

	content   strings.Builder
	reasoning strings.Builder
	toolArgs  map[int]*strings.Builder

	// template fields copied from the last payload, used when the parser has
	// to synthesize chunks of its own
	tmplId      string
	tmplObject  string
	tmplCreated any
	tmplModel   string
}

func NewStreamParser(modelName string) *StreamParser {
	think := IsThinkModel(modelName)
	return &StreamParser{
		thinkMode: think,
		thinking:  think,
		toolArgs:  map[int]*strings.Builder{},
	}
}

// Content returns accumulated visible content, for disconnect accounting.
func (p *StreamParser) Content() string { return p.content.String() }

// Reasoning returns accumulated reasoning content.
func (p *StreamParser) Reasoning() string { return p.reasoning.String() }

// Finished reports whether a finish_reason was seen.
func (p *StreamParser) Finished() bool { return p.finished }

// Feed buffers raw upstream bytes and returns every chunk completed by this
// read. Content lines are terminated by a blank line.
func (p *StreamParser) Feed(data []byte) []Chunk {
	p.buf = append(p.buf, data...)
	var chunks []Chunk
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+2:]
		chunks = append(chunks, p.processLine(line)...)
	}
	return chunks
}

func (p *StreamParser) processLine(line []byte) []Chunk {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return []Chunk{{Type: Text, Bytes: frame(line)}}
	}

	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if bytes.Equal(payload, []byte("[DONE]")) {
		chunks := p.synthesizeEmptyToolArgs()
		return append(chunks, Chunk{Type: Done, Bytes: []byte("data: [DONE]\n\n")})
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		// pass the raw line through so clients still see the upstream bytes
		return []Chunk{{Type: Error, Bytes: frame(line)}}
	}

	p.captureTemplate(body)

	changed := false
	suffix := ""
	hasChoices := false
	wasFinished := p.finished
	if choices, ok := body["choices"].([]any); ok {
		hasChoices = len(choices) > 0
		for _, raw := range choices {
			choice, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if fr, ok := choice["finish_reason"]; ok && fr != nil && fr != "" {
				p.finished = true
			}
			delta, _ := choice["delta"].(map[string]any)
			if delta == nil {
				continue
			}
			if ch, sfx := p.processDelta(delta); ch {
				changed = true
				suffix = sfx
			}
			p.collectToolArgs(delta)
		}
	}

	var chunks []Chunk
	out := payload
	if changed {
		if rebuilt, err := json.Marshal(body); err == nil {
			out = rebuilt
		}
	}

	usage := p.extractUsage(body)
	kind := Text
	if usage != nil && p.finished && !p.usageSeen {
		p.usageSeen = true
		kind = Usage
	}
	chunks = append(chunks, Chunk{Type: kind, Bytes: frameData(out), Usage: usage, HasChoices: hasChoices})

	if suffix != "" {
		chunks = append(chunks, p.contentChunk(suffix))
	}
	if p.finished && !wasFinished {
		chunks = append(chunks, p.synthesizeEmptyToolArgs()...)
	}
	return chunks
}

// processDelta applies reasoning accumulation and the think-prefix split.
// It returns whether the delta was rewritten and a content suffix that must
// go out as its own follow-up chunk.
func (p *StreamParser) processDelta(delta map[string]any) (changed bool, suffix string) {
	if rc, ok := delta["reasoning_content"].(string); ok {
		// explicit reasoning field ends the implicit think phase for good
		p.sawReasoningField = true
		p.thinking = false
		p.reasoning.WriteString(rc)
	}

	content, hasContent := delta["content"].(string)
	if !hasContent || content == "" {
		return false, ""
	}

	if p.thinkMode && p.thinking && !p.sawReasoningField {
		if i := strings.Index(content, thinkCloseTag); i >= 0 {
			prefix := content[:i]
			suffix = content[i+len(thinkCloseTag):]
			p.thinking = false
			p.reasoning.WriteString(prefix)
			p.content.WriteString(suffix)
			delta["reasoning_content"] = prefix
			delta["content"] = nil
			return true, suffix
		}
		p.reasoning.WriteString(content)
		delta["reasoning_content"] = content
		delta["content"] = nil
		return true, ""
	}

	p.content.WriteString(content)
	return false, ""
}

func (p *StreamParser) collectToolArgs(delta map[string]any) {
	calls, ok := delta["tool_calls"].([]any)
	if !ok {
		return
	}
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idx := 0
		if f, ok := call["index"].(float64); ok {
			idx = int(f)
		}
		if _, ok := p.toolArgs[idx]; !ok {
			p.toolArgs[idx] = &strings.Builder{}
		}
		if fn, ok := call["function"].(map[string]any); ok {
			if args, ok := fn["arguments"].(string); ok {
				p.toolArgs[idx].WriteString(args)
			}
		}
	}
}

// synthesizeEmptyToolArgs emits one patch chunk per tool-call index whose
// accumulated arguments stayed empty, so downstream JSON parsers always see
// a valid object.
func (p *StreamParser) synthesizeEmptyToolArgs() []Chunk {
	if p.toolsSynthesized {
		return nil
	}
	p.toolsSynthesized = true

	var chunks []Chunk
	for idx, args := range p.toolArgs {
		if args.Len() > 0 {
			continue
		}
		body := p.templateChunk(map[string]any{
			"tool_calls": []any{map[string]any{
				"index":    idx,
				"function": map[string]any{"arguments": " {}"},
			}},
		})
		if out, err := json.Marshal(body); err == nil {
			chunks = append(chunks, Chunk{Type: Text, Bytes: frameData(out)})
		}
	}
	return chunks
}

func (p *StreamParser) contentChunk(content string) Chunk {
	body := p.templateChunk(map[string]any{"content": content})
	out, err := json.Marshal(body)
	if err != nil {
		return Chunk{Type: Text, Bytes: frameData([]byte("{}"))}
	}
	return Chunk{Type: Text, Bytes: frameData(out)}
}

func (p *StreamParser) templateChunk(delta map[string]any) map[string]any {
	return map[string]any{
		"id":      p.tmplId,
		"object":  p.tmplObject,
		"created": p.tmplCreated,
		"model":   p.tmplModel,
		"choices": []any{map[string]any{
			"index": 0,
			"delta": delta,
		}},
	}
}

func (p *StreamParser) captureTemplate(body map[string]any) {
	if id, ok := body["id"].(string); ok {
		p.tmplId = id
	}
	if obj, ok := body["object"].(string); ok {
		p.tmplObject = obj
	}
	if created, ok := body["created"]; ok {
		p.tmplCreated = created
	}
	if m, ok := body["model"].(string); ok {
		p.tmplModel = m
	}
}

func (p *StreamParser) extractUsage(body map[string]any) *relaymodel.Usage {
	raw, ok := body["usage"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var usage relaymodel.Usage
	if err := json.Unmarshal(data, &usage); err != nil {
		return nil
	}
	return &usage
}

func frame(line []byte) []byte {
	out := make([]byte, 0, len(line)+2)
	out = append(out, line...)
	return append(out, '\n', '\n')
}

func frameData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}

// SplitThinkContent applies the think split to a complete non-streaming
// message content: the text before </think> becomes reasoning, the rest
// stays as content.
func SplitThinkContent(content string) (reasoning, remainder string, found bool) {
	i := strings.Index(content, thinkCloseTag)
	if i < 0 {
		return "", content, false
	}
	return content[:i], content[i+len(thinkCloseTag):], true
}
