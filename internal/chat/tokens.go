package chat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage when the provider does not report it.
type TokenCounter interface {
	Count(model, text string) int
	CountMessages(model string, msgs []Message) int
}

// Per-message framing overhead in the chat format, and the priming of
// every reply.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

// encodingRetryDelay spaces out reload attempts after an encoding failed to
// load, e.g. because the BPE file could not be downloaded.
const encodingRetryDelay = time.Minute

// TiktokenCounter counts with the model's BPE encoding, falling back to
// cl100k_base for unknown models and to a 4-chars-per-token heuristic when
// no encoding can be loaded.
type TiktokenCounter struct {
	mu          sync.RWMutex
	encodings   map[string]*tiktoken.Tiktoken
	failedUntil map[string]time.Time

	load func(model string) (*tiktoken.Tiktoken, error)
	now  func() time.Time
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		encodings:   make(map[string]*tiktoken.Tiktoken),
		failedUntil: make(map[string]time.Time),
		load:        loadEncoding,
		now:         time.Now,
	}
}

func (c *TiktokenCounter) Count(model, text string) int {
	enc := c.encoding(model)
	if enc == nil {
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessages(model string, msgs []Message) int {
	enc := c.encoding(model)
	total := tokensReplyPrime
	for _, m := range msgs {
		total += tokensPerMessage
		if enc == nil {
			total += approxTokens(m.Role) + approxTokens(m.Content)
			continue
		}
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total
}

func (c *TiktokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encodings[model]
	retryAt := c.failedUntil[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}
	if c.now().Before(retryAt) {
		return nil
	}

	enc, err := c.load(model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		slog.Warn("chat: token encoding unavailable, using approximation", "model", model, "error", err)
		c.failedUntil[model] = c.now().Add(encodingRetryDelay)
		return nil
	}
	c.encodings[model] = enc
	delete(c.failedUntil, model)
	return enc
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding("cl100k_base")
}

func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return max(1, len(s)/4)
}
