package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/atelier-run/atelier/pkg/llm"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Estimator predicts the input-token count of a pending call. Estimates
// are cached by input fingerprint; concurrent estimates for the same
// fingerprint are deduplicated.
type Estimator struct {
	cache *lru.Cache[string, int]
	group singleflight.Group
}

// NewEstimator creates an estimator with the given cache size
func NewEstimator(cacheSize int) (*Estimator, error) {
	cache, err := lru.New[string, int](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Estimator{cache: cache}, nil
}

// fingerprint identifies the (model, messages) input
func fingerprint(model string, messages []llm.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, m := range messages {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// charsPerToken approximates the model family's tokenizer density
func charsPerToken(model string) float64 {
	switch {
	case strings.HasPrefix(model, "claude"):
		return 3.8
	case strings.HasPrefix(model, "gpt"):
		return 4.0
	default:
		return 4.0
	}
}

// InputTokens estimates the token count of the messages for the model
func (e *Estimator) InputTokens(model string, messages []llm.Message) int {
	fp := fingerprint(model, messages)
	if n, ok := e.cache.Get(fp); ok {
		return n
	}

	v, _, _ := e.group.Do(fp, func() (interface{}, error) {
		chars := 0
		for _, m := range messages {
			chars += len(m.Role) + len(m.Content)
			chars += 4 // per-message framing overhead
		}
		n := int(float64(chars)/charsPerToken(model)) + 1
		e.cache.Add(fp, n)
		return n, nil
	})
	return v.(int)
}
