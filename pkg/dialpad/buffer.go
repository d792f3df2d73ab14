package dialpad

import (
	"strings"
	"sync"
)

// Buffer accumulates dial-pad input independently of call state.
// Invalid runes are dropped silently: the pad is permissive, the
// dial command validates the final number.
type Buffer struct {
	mu     sync.Mutex
	digits []rune
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds one rune. Accepted: 0-9, *, #, and + only as the first rune.
func (b *Buffer) Append(r rune) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !validRune(r, len(b.digits)) {
		return
	}
	b.digits = append(b.digits, r)
}

// AppendString appends every valid rune of s in order.
func (b *Buffer) AppendString(s string) {
	for _, r := range s {
		b.Append(r)
	}
}

// Backspace removes the last rune. No-op on an empty buffer.
func (b *Buffer) Backspace() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.digits) == 0 {
		return
	}
	b.digits = b.digits[:len(b.digits)-1]
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.digits = b.digits[:0]
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.digits)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.digits)
}

func validRune(r rune, pos int) bool {
	if r >= '0' && r <= '9' {
		return true
	}
	if r == '*' || r == '#' {
		return true
	}
	if r == '+' {
		return pos == 0
	}
	return false
}

// ValidNumber reports whether s could have been produced by the pad:
// non-empty, digits plus * and #, with + allowed only in front.
func ValidNumber(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for i, r := range s {
		if !validRune(r, i) {
			return false
		}
	}
	return true
}
