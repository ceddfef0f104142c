package foundation

import (
	"context"
	"runtime"
	"strings"
	"unicode/utf8"

	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// CodepointChannel streams whole Unicode code points over a WordRing.
// Each word carries one scalar value; text never splits mid character.
type CodepointChannel struct {
	ring *WordRing
}

// NewCodepointChannel wraps an existing ring.
func NewCodepointChannel(ring *WordRing) *CodepointChannel {
	return &CodepointChannel{ring: ring}
}

// AttachCodepointChannel binds a channel to a region received from the other thread.
func AttachCodepointChannel(region sab_layout.Region) (*CodepointChannel, error) {
	ring, err := NewWordRing(region)
	if err != nil {
		return nil, err
	}
	return NewCodepointChannel(ring), nil
}

// CreateCodepointChannel allocates a channel buffering capacity-1 code points.
func CreateCodepointChannel(registry *sab_layout.Registry, kind sab_layout.RegionKind, capacity uint32) (*CodepointChannel, error) {
	ring, err := CreateWordRing(registry, kind, capacity)
	if err != nil {
		return nil, err
	}
	return NewCodepointChannel(ring), nil
}

// Ring exposes the underlying word ring.
func (c *CodepointChannel) Ring() *WordRing { return c.ring }

// PushString writes code points until the ring fills and returns how many
// were written. Invalid UTF-8 bytes are sent as U+FFFD.
func (c *CodepointChannel) PushString(s string) int {
	n, _ := c.push(s)
	return n
}

// PushStringBlocking retries the unwritten remainder until all of s is
// written or ctx is done. There is no backoff: the consumer drains every
// frame, so the wait is bounded by one frame while the consumer is alive.
func (c *CodepointChannel) PushStringBlocking(ctx context.Context, s string) error {
	for {
		_, consumed := c.push(s)
		s = s[consumed:]
		if s == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// PopString materializes every buffered code point.
func (c *CodepointChannel) PopString() string {
	words := c.ring.PopAll()
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(words))
	for _, w := range words {
		r := rune(w)
		if w > utf8.MaxRune || !utf8.ValidRune(r) {
			r = utf8.RuneError
		}
		b.WriteRune(r)
	}
	return b.String()
}

// push returns the number of code points written and the bytes of s they
// consumed.
func (c *CodepointChannel) push(s string) (int, int) {
	n := 0
	for i, r := range s {
		if !c.ring.Push(uint32(r)) {
			return n, i
		}
		n++
	}
	return n, len(s)
}
