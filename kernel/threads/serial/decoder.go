package serial

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/robolab/kernel/threads/foundation"
)

// Decoder reassembles packets from a word stream that may arrive in
// arbitrary fragments.
type Decoder struct {
	// MaxPacket caps a packet's length in words, opcode included. A longer
	// length prefix is treated as corrupt. Zero means no cap.
	MaxPacket int

	buf []uint32
}

// NewDecoder returns a decoder for packets carried by ring, which can never
// hold more than its usable size at once.
func NewDecoder(ring *foundation.WordRing) *Decoder {
	if ring == nil {
		return &Decoder{}
	}
	return &Decoder{MaxPacket: int(ring.Usable())}
}

// Feed appends received words.
func (d *Decoder) Feed(words ...uint32) {
	d.buf = append(d.buf, words...)
}

// FeedFrom drains ring into the decoder and returns how many words arrived.
func (d *Decoder) FeedFrom(ring *foundation.WordRing) int {
	words := ring.PopAll()
	d.Feed(words...)
	return len(words)
}

// Buffered is the number of words waiting for a complete packet.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete packet. ErrShortPacket means more words are
// needed. On a malformed packet the leading word is dropped before the error
// is returned, so calling Next again resynchronizes on the following word.
func (d *Decoder) Next() (Packet, error) {
	if err := d.checkLength(); err != nil {
		d.buf = d.buf[1:]
		d.compact()
		return nil, err
	}
	p, n, err := Decode(d.buf)
	if err != nil {
		if !errors.Is(err, ErrShortPacket) {
			d.buf = d.buf[1:]
			d.compact()
		}
		return nil, err
	}
	d.buf = d.buf[n:]
	d.compact()
	return p, nil
}

func (d *Decoder) checkLength() error {
	if d.MaxPacket <= 0 || len(d.buf) == 0 || d.buf[0] > 0xFF {
		return nil
	}
	_, size, err := payloadSize(d.buf)
	if err != nil || 1+size <= d.MaxPacket {
		return nil
	}
	return fmt.Errorf("%w: packet of %d words exceeds %d", ErrInvalidWord, 1+size, d.MaxPacket)
}

// Reset discards buffered words.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
}
