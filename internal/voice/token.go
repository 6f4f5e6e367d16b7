package voice

import "sync/atomic"

// Token identifies one response generation. Tokens are monotonically
// increasing per session; a generation whose token no longer matches the
// source's current value has been superseded and must go silent.
type Token uint64

// TokenSource issues tokens for a single session. Advancing the source is
// how an interrupt invalidates everything downstream: stale generations
// notice on their next check and stop emitting.
type TokenSource struct {
	current atomic.Uint64
}

// Next advances the source and returns the new current token.
func (ts *TokenSource) Next() Token {
	return Token(ts.current.Add(1))
}

// Current returns the token of the latest generation.
func (ts *TokenSource) Current() Token {
	return Token(ts.current.Load())
}
