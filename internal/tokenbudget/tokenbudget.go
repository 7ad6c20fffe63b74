// Package tokenbudget counts and trims text against a BPE token ceiling.
package tokenbudget

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding matches the tokenizer used by the chat models the pipeline talks to.
const DefaultEncoding = "cl100k_base"

var (
	loaderOnce sync.Once

	defaultOnce sync.Once
	defaultTrnc *Truncator
	defaultErr  error
)

// Truncator is safe for concurrent use.
type Truncator struct {
	enc *tiktoken.Tiktoken
}

// New builds a Truncator for the named encoding. BPE ranks come from the
// embedded offline loader, so no network access happens.
func New(encoding string) (*Truncator, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	if strings.TrimSpace(encoding) == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Truncator{enc: enc}, nil
}

// Default returns a process-wide cl100k_base Truncator.
func Default() (*Truncator, error) {
	defaultOnce.Do(func() {
		defaultTrnc, defaultErr = New(DefaultEncoding)
	})
	return defaultTrnc, defaultErr
}

// Count returns the number of tokens in text.
func (t *Truncator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate returns text unchanged when it fits in ceiling tokens, otherwise
// the decoded prefix of the first ceiling tokens.
func (t *Truncator) Truncate(text string, ceiling int) string {
	if ceiling <= 0 {
		return ""
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= ceiling {
		return text
	}

	// A cut inside a multi-byte rune leaves a dangling partial sequence;
	// drop it and keep shrinking until the re-encoded prefix fits.
	for n := ceiling; n > 0; n-- {
		out := trimInvalidTail(t.enc.Decode(tokens[:n]))
		if t.Count(out) <= ceiling {
			return out
		}
	}
	return ""
}

// Truncate trims text with the default encoding.
func Truncate(text string, ceiling int) (string, error) {
	t, err := Default()
	if err != nil {
		return "", err
	}
	return t.Truncate(text, ceiling), nil
}

func trimInvalidTail(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-size]
	}
	return strings.ToValidUTF8(s, "")
}
