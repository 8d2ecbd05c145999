// Package token provides the single token-count estimate every other
// component uses for prompt sizing.
package token

import "golang.org/x/text/width"

// Encoder is a pluggable BPE-style tokenizer. When available it yields a
// precise count; the estimator falls back to a conservative heuristic
// otherwise.
type Encoder interface {
	Encode(text string) []int
}

// Estimator computes token counts for arbitrary text.
type Estimator struct {
	enc Encoder
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithEncoder installs a precise encoder. Without one the estimator uses
// the heuristic path.
func WithEncoder(enc Encoder) Option {
	return func(e *Estimator) { e.enc = enc }
}

// New creates an Estimator.
func New(opts ...Option) *Estimator {
	e := &Estimator{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Estimate returns the token count of text. With an encoder configured the
// count is exact; otherwise CJK and other full-width runes count as 2
// tokens and everything else as 0.5, floored plus one. The heuristic
// deliberately over-estimates non-ASCII so budgets stay safe.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.enc != nil {
		return len(e.enc.Encode(text))
	}
	return heuristic(text)
}

func heuristic(text string) int {
	var wide, narrow int
	for _, r := range text {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			wide++
		default:
			narrow++
		}
	}
	return wide*2 + narrow/2 + 1
}
