package sab

// Session region layout constants.
// Every shared structure is a sequence of 32-bit words: a fixed header
// followed by a body. Sizes below are in words unless suffixed _BYTES.
const (
	WORD_SIZE = 4

	// WordRing / CodepointChannel header: [begin][end]
	RING_HEADER_WORDS = 2
	RING_BEGIN_WORD   = 0
	RING_END_WORD     = 1

	// OverwriteRing header: [lock][nonce][start][end]
	OVERWRITE_HEADER_WORDS = 4
	OVERWRITE_LOCK_WORD    = 0
	OVERWRITE_NONCE_WORD   = 1
	OVERWRITE_START_WORD   = 2
	OVERWRITE_END_WORD     = 3

	// A ring needs at least two body slots: one usable, one sacrificed to
	// tell full from empty.
	RING_MIN_CAPACITY = 2

	// Defaults used when config leaves a value unset.
	DEFAULT_REGISTER_FILE_BYTES  = 512
	DEFAULT_SERIAL_CAPACITY      = 1025 // 1024 usable words per direction
	DEFAULT_CONSOLE_CAPACITY     = 4097 // code points in flight between threads
	DEFAULT_CONSOLE_LOG_CAPACITY = 16385
)

// RingRegionBytes returns the region size for a ring of capacity body words.
func RingRegionBytes(capacity uint32) uint32 {
	return (RING_HEADER_WORDS + capacity) * WORD_SIZE
}

// OverwriteRegionBytes returns the region size for an overwrite ring.
func OverwriteRegionBytes(capacity uint32) uint32 {
	return (OVERWRITE_HEADER_WORDS + capacity) * WORD_SIZE
}

// LayoutError represents a malformed shared region
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// AlignOffset aligns an offset to the specified power-of-two alignment
func AlignOffset(offset, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}
