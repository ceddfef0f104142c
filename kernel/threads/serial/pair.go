package serial

import (
	"github.com/nmxmxh/robolab/kernel/threads/foundation"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// Pair is one endpoint of a full-duplex serial link: words pushed on Tx are
// popped from the mirror endpoint's Rx.
type Pair struct {
	Tx *foundation.WordRing
	Rx *foundation.WordRing
}

// CreatePair allocates both directions of a link. The first endpoint is the
// program side (Tx carries commands to the robot), the second its mirror.
func CreatePair(registry *sab_layout.Registry, capacity uint32) (Pair, Pair, error) {
	toRobot, err := foundation.CreateWordRing(registry, sab_layout.RegionSerialToRobot, capacity)
	if err != nil {
		return Pair{}, Pair{}, err
	}
	fromRobot, err := foundation.CreateWordRing(registry, sab_layout.RegionSerialFromRobot, capacity)
	if err != nil {
		_ = registry.Release(toRobot.Region().Descriptor().ID)
		return Pair{}, Pair{}, err
	}
	a := Pair{Tx: toRobot, Rx: fromRobot}
	return a, a.Flip(), nil
}

// AttachPair rebuilds owner's endpoint from the descriptors carried by a
// set-create-serial message. Owner must be the writer of tx and a reader
// of rx.
func AttachPair(registry *sab_layout.Registry, owner sab_layout.RegionOwner, tx, rx sab_layout.Descriptor) (Pair, error) {
	txRegion, err := registry.Attach(tx)
	if err != nil {
		return Pair{}, err
	}
	if err := txRegion.RequireWriter(owner); err != nil {
		return Pair{}, err
	}
	rxRegion, err := registry.Attach(rx)
	if err != nil {
		return Pair{}, err
	}
	if err := rxRegion.RequireReader(owner); err != nil {
		return Pair{}, err
	}
	txRing, err := foundation.NewWordRing(txRegion)
	if err != nil {
		return Pair{}, err
	}
	rxRing, err := foundation.NewWordRing(rxRegion)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Tx: txRing, Rx: rxRing}, nil
}

// Flip returns the mirror endpoint.
func (p Pair) Flip() Pair {
	return Pair{Tx: p.Rx, Rx: p.Tx}
}

// IsZero reports whether the pair is unbound.
func (p Pair) IsZero() bool {
	return p.Tx == nil || p.Rx == nil
}

// Descriptors returns the tx and rx region handles.
func (p Pair) Descriptors() (tx, rx sab_layout.Descriptor) {
	return p.Tx.Region().Descriptor(), p.Rx.Region().Descriptor()
}

// PopAll drains and discards both directions.
func PopAll(p Pair) {
	p.Tx.PopAll()
	p.Rx.PopAll()
}

// Write encodes packet and pushes it on Tx. It is not transactional: when the
// ring fills part way the pushed prefix stays. ok reports whether every word
// went through.
func Write(p Pair, packet Packet) (n int, ok bool) {
	words := Encode(packet)
	n = p.Tx.PushAll(words)
	return n, n == len(words)
}
