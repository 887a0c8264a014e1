// Package tokenestimate provides the provisional token-cost estimator the
// deployment client uses to account usage before a response arrives.
package tokenestimate

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/opsflow/switchboard/pkg/types"
)

// defaultCompletionAllowance is added to the prompt estimate when a request
// carries no explicit MaxTokens, so that an uncapped completion still
// provisionally reserves some budget against the sliding window.
const defaultCompletionAllowance = 256

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for text using the tiktoken
// encoding registered for model. Models with no registered encoding use the
// cl100k_base encoding; the len/4 heuristic applies only when no encoding
// can be loaded at all.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateRequestTokens computes an upper-bound provisional token cost for
// a chat request: summed message text length plus the requested
// (or default) completion allowance. The deployment client provisionally
// accounts this estimate against tpm_used before dispatch and reconciles
// it against the authoritative usage the server returns.
func EstimateRequestTokens(req *types.ChatRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for _, msg := range req.Messages {
		total += CountTextTokens(req.Model, msg.Role)
		total += CountTextTokens(req.Model, extractMessageText(msg.Content))
		total += 2 // per-message role/formatting overhead
	}

	if req.MaxTokens > 0 {
		total += req.MaxTokens
	} else {
		total += defaultCompletionAllowance
	}

	return total
}

func extractMessageText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		return strings.Trim(trimmed, `"`)
	}
	return trimmed
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
