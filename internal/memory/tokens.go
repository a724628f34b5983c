package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// estimateTokens returns a cheap token-count estimate for text, using the
// cl100k_base encoding (the same family the rest of the pack uses for
// OpenAI-compatible token accounting). Falls back to a byte/4 heuristic if
// the encoder fails to load, which keeps the memory store usable even
// offline (tiktoken-go's BPE ranks are fetched lazily on first use).
func estimateTokens(text string) int {
	encOnce.Do(func() {
		loaded, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = loaded
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
