// Package tokenizer estimates prompt token counts for admission checks.
//
// Counts are an estimate: the upstream router's own tokenization is
// authoritative and is what realized cost is computed from. The estimate only
// needs to be close enough for the budget guard's projected-cost decision.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
)

// Encoding names used by tiktoken.
const (
	encodingCL100kBase = "cl100k_base"
	encodingO200kBase  = "o200k_base"
)

// Per-message framing overhead plus the assistant priming tokens, matching
// OpenAI's published chat token accounting.
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// modelEncodings maps model family prefixes (provider part already stripped)
// to encodings. Longest prefixes first so gpt-4o is not caught by gpt-4.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", encodingO200kBase},
	{"gpt-4", encodingCL100kBase},
	{"gpt-3.5", encodingCL100kBase},
	{"o1", encodingO200kBase},
	{"o3", encodingO200kBase},
}

// Counter estimates token counts for chat payloads.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// New creates a Counter. Encodings are loaded lazily and cached.
func New() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// CountMessages estimates the prompt tokens for a message sequence on the
// given model (catalog id, e.g. "openai/gpt-4o-mini").
func (c *Counter) CountMessages(messages []openai.ChatCompletionMessage, model string) (int, error) {
	enc, err := c.getEncoding(model)
	if err != nil {
		return 0, err
	}

	total := tokensPerReply
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(enc.Encode(msg.Content, nil, nil))
		total += len(enc.Encode(msg.Role, nil, nil))
	}
	return total, nil
}

func (c *Counter) getEncoding(model string) (*tiktoken.Tiktoken, error) {
	name := resolveEncoding(model)

	c.mu.RLock()
	enc, ok := c.encodings[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.encodings[name]; ok {
		return enc, nil
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encodings[name] = enc
	return enc, nil
}

// resolveEncoding picks the encoding for a catalog model id. Non-OpenAI
// families (Claude, Llama, ...) fall back to cl100k_base, which tracks their
// tokenizers closely enough for a cost projection.
func resolveEncoding(model string) string {
	family := strings.ToLower(model)
	if _, rest, ok := strings.Cut(family, "/"); ok {
		family = rest
	}

	for _, me := range modelEncodings {
		if strings.HasPrefix(family, me.prefix) {
			return me.encoding
		}
	}
	return encodingCL100kBase
}
