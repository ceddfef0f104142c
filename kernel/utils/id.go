package utils

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq atomic.Uint32

// GenerateID returns a region name: a process-wide sequence number
// followed by a random tag.
func GenerateID() string {
	seq := idSeq.Add(1)
	var tag [4]byte
	if _, err := rand.Read(tag[:]); err != nil {
		binary.BigEndian.PutUint32(tag[:], uint32(time.Now().UnixNano()))
	}
	return fmt.Sprintf("%04x%08x", seq, binary.BigEndian.Uint32(tag[:]))
}
