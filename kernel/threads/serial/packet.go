package serial

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrShortPacket means the words seen so far do not hold a whole packet.
	ErrShortPacket = errors.New("incomplete packet")
	// ErrUnknownOpcode is returned for a leading word that names no packet.
	ErrUnknownOpcode = errors.New("unknown packet opcode")
	// ErrInvalidWord is returned for a payload word outside its field's range.
	ErrInvalidWord = errors.New("invalid packet word")
)

// Opcode is the discriminant word that leads every packet.
type Opcode uint8

// Commands follow the Create Open Interface opcodes. Sensor replies reuse the
// sensor packet IDs as their discriminant.
const (
	OpBumpsWheelDrops Opcode = 7
	OpWall            Opcode = 8
	OpButtons         Opcode = 18
	OpDistance        Opcode = 19
	OpAngle           Opcode = 20
	OpBatteryCharge   Opcode = 25
	OpStart           Opcode = 128
	OpSafe            Opcode = 131
	OpFull            Opcode = 132
	OpDrive           Opcode = 137
	OpLEDs            Opcode = 139
	OpSensors         Opcode = 142
	OpDriveDirect     Opcode = 145
	OpText            Opcode = 0xF0
)

// Bit positions inside the bumps and wheel drops byte.
const (
	BitBumpRight       = 0
	BitBumpLeft        = 1
	BitWheelDropRight  = 2
	BitWheelDropLeft   = 3
	BitWheelDropCaster = 4
)

// Bit positions inside the buttons byte and the LED byte.
const (
	BitButtonPlay    = 0
	BitButtonAdvance = 2
	BitLEDPlay       = 1
	BitLEDAdvance    = 3
)

// Packet is one typed serial record. The set is closed: every implementation
// lives in this file and has an entry in the codec table.
type Packet interface {
	Opcode() Opcode
	appendPayload(dst []uint32) []uint32
}

type (
	Start       struct{}
	Safe        struct{}
	Full        struct{}
	Drive       struct{ Velocity, Radius int16 }
	DriveDirect struct{ Right, Left int16 }
	LEDs        struct {
		Advance, Play    bool
		Color, Intensity uint8
	}
	Sensors         struct{ PacketID uint8 }
	BumpsWheelDrops struct {
		WheelDropCaster, WheelDropLeft, WheelDropRight bool
		BumpLeft, BumpRight                            bool
	}
	Wall          struct{ Detected bool }
	Buttons       struct{ Advance, Play bool }
	Distance      struct{ Millimeters int16 }
	Angle         struct{ Degrees int16 }
	BatteryCharge struct{ MilliampHours uint16 }
	Text          struct{ Text string }
)

func (Start) Opcode() Opcode           { return OpStart }
func (Safe) Opcode() Opcode            { return OpSafe }
func (Full) Opcode() Opcode            { return OpFull }
func (Drive) Opcode() Opcode           { return OpDrive }
func (DriveDirect) Opcode() Opcode     { return OpDriveDirect }
func (LEDs) Opcode() Opcode            { return OpLEDs }
func (Sensors) Opcode() Opcode         { return OpSensors }
func (BumpsWheelDrops) Opcode() Opcode { return OpBumpsWheelDrops }
func (Wall) Opcode() Opcode            { return OpWall }
func (Buttons) Opcode() Opcode         { return OpButtons }
func (Distance) Opcode() Opcode        { return OpDistance }
func (Angle) Opcode() Opcode           { return OpAngle }
func (BatteryCharge) Opcode() Opcode   { return OpBatteryCharge }
func (Text) Opcode() Opcode            { return OpText }

func (Start) appendPayload(dst []uint32) []uint32 { return dst }
func (Safe) appendPayload(dst []uint32) []uint32  { return dst }
func (Full) appendPayload(dst []uint32) []uint32  { return dst }

func (p Drive) appendPayload(dst []uint32) []uint32 {
	return appendUint16(appendUint16(dst, uint16(p.Velocity)), uint16(p.Radius))
}

func (p DriveDirect) appendPayload(dst []uint32) []uint32 {
	return appendUint16(appendUint16(dst, uint16(p.Right)), uint16(p.Left))
}

func (p LEDs) appendPayload(dst []uint32) []uint32 {
	bits := packBits(map[int]bool{BitLEDAdvance: p.Advance, BitLEDPlay: p.Play})
	return append(dst, bits, uint32(p.Color), uint32(p.Intensity))
}

func (p Sensors) appendPayload(dst []uint32) []uint32 {
	return append(dst, uint32(p.PacketID))
}

func (p BumpsWheelDrops) appendPayload(dst []uint32) []uint32 {
	return append(dst, packBits(map[int]bool{
		BitWheelDropCaster: p.WheelDropCaster,
		BitWheelDropLeft:   p.WheelDropLeft,
		BitWheelDropRight:  p.WheelDropRight,
		BitBumpLeft:        p.BumpLeft,
		BitBumpRight:       p.BumpRight,
	}))
}

func (p Wall) appendPayload(dst []uint32) []uint32 {
	return append(dst, packBits(map[int]bool{0: p.Detected}))
}

func (p Buttons) appendPayload(dst []uint32) []uint32 {
	return append(dst, packBits(map[int]bool{BitButtonAdvance: p.Advance, BitButtonPlay: p.Play}))
}

func (p Distance) appendPayload(dst []uint32) []uint32 {
	return appendUint16(dst, uint16(p.Millimeters))
}

func (p Angle) appendPayload(dst []uint32) []uint32 {
	return appendUint16(dst, uint16(p.Degrees))
}

func (p BatteryCharge) appendPayload(dst []uint32) []uint32 {
	return appendUint16(dst, p.MilliampHours)
}

// Text is length-prefixed ([high][low] code point count) and carries one code
// point per word. Strings longer than 65535 code points are truncated.
func (p Text) appendPayload(dst []uint32) []uint32 {
	n := utf8.RuneCountInString(p.Text)
	if n > 0xFFFF {
		n = 0xFFFF
	}
	dst = appendUint16(dst, uint16(n))
	for _, r := range p.Text {
		if n == 0 {
			break
		}
		dst = append(dst, uint32(r))
		n--
	}
	return dst
}

// Codec describes the wire shape of one packet type.
type Codec struct {
	Opcode Opcode
	Name   string
	// Payload is the fixed payload length in words, or -1 when the payload
	// is length-prefixed.
	Payload int
	decode  func(payload []uint32) (Packet, error)
}

var codecs = map[Opcode]Codec{
	OpStart:           {OpStart, "start", 0, func([]uint32) (Packet, error) { return Start{}, nil }},
	OpSafe:            {OpSafe, "safe", 0, func([]uint32) (Packet, error) { return Safe{}, nil }},
	OpFull:            {OpFull, "full", 0, func([]uint32) (Packet, error) { return Full{}, nil }},
	OpDrive:           {OpDrive, "drive", 4, decodeDrive},
	OpDriveDirect:     {OpDriveDirect, "drive-direct", 4, decodeDriveDirect},
	OpLEDs:            {OpLEDs, "leds", 3, decodeLEDs},
	OpSensors:         {OpSensors, "sensors", 1, decodeSensors},
	OpBumpsWheelDrops: {OpBumpsWheelDrops, "bumps-wheel-drops", 1, decodeBumps},
	OpWall:            {OpWall, "wall", 1, decodeWall},
	OpButtons:         {OpButtons, "buttons", 1, decodeButtons},
	OpDistance:        {OpDistance, "distance", 2, decodeDistance},
	OpAngle:           {OpAngle, "angle", 2, decodeAngle},
	OpBatteryCharge:   {OpBatteryCharge, "battery-charge", 2, decodeBatteryCharge},
	OpText:            {OpText, "text", -1, decodeText},
}

// Lookup returns the codec for an opcode.
func Lookup(op Opcode) (Codec, bool) {
	c, ok := codecs[op]
	return c, ok
}

func (o Opcode) String() string {
	if c, ok := codecs[o]; ok {
		return c.Name
	}
	return fmt.Sprintf("opcode(%d)", uint8(o))
}

// Encode serializes a packet as [opcode][payload...].
func Encode(p Packet) []uint32 {
	return p.appendPayload([]uint32{uint32(p.Opcode())})
}

// Decode parses one packet from the front of words and returns it along with
// the number of words it occupied.
func Decode(words []uint32) (Packet, int, error) {
	if len(words) == 0 {
		return nil, 0, ErrShortPacket
	}
	if words[0] > 0xFF {
		return nil, 0, fmt.Errorf("%w: opcode word %d", ErrInvalidWord, words[0])
	}
	c, size, err := payloadSize(words)
	if err != nil {
		return nil, 0, err
	}
	if len(words) < 1+size {
		return nil, 0, ErrShortPacket
	}
	p, err := c.decode(words[1 : 1+size])
	if err != nil {
		return nil, 0, err
	}
	return p, 1 + size, nil
}

// payloadSize reads the payload length of the packet at the front of words
// from its opcode and, for variable-length packets, its length prefix.
func payloadSize(words []uint32) (Codec, int, error) {
	c, ok := codecs[Opcode(words[0])]
	if !ok {
		return Codec{}, 0, fmt.Errorf("%w: %d", ErrUnknownOpcode, words[0])
	}
	if c.Payload >= 0 {
		return c, c.Payload, nil
	}
	if len(words) < 3 {
		return c, 0, ErrShortPacket
	}
	if err := checkBytes(c.Name, words[1:3]); err != nil {
		return c, 0, err
	}
	return c, 2 + int(joinUint16(words[1], words[2])), nil
}

func decodeDrive(w []uint32) (Packet, error) {
	if err := checkBytes("drive", w); err != nil {
		return nil, err
	}
	return Drive{Velocity: int16(joinUint16(w[0], w[1])), Radius: int16(joinUint16(w[2], w[3]))}, nil
}

func decodeDriveDirect(w []uint32) (Packet, error) {
	if err := checkBytes("drive-direct", w); err != nil {
		return nil, err
	}
	return DriveDirect{Right: int16(joinUint16(w[0], w[1])), Left: int16(joinUint16(w[2], w[3]))}, nil
}

func decodeLEDs(w []uint32) (Packet, error) {
	if err := checkBytes("leds", w); err != nil {
		return nil, err
	}
	return LEDs{
		Advance:   bit(w[0], BitLEDAdvance),
		Play:      bit(w[0], BitLEDPlay),
		Color:     uint8(w[1]),
		Intensity: uint8(w[2]),
	}, nil
}

func decodeSensors(w []uint32) (Packet, error) {
	if err := checkBytes("sensors", w); err != nil {
		return nil, err
	}
	return Sensors{PacketID: uint8(w[0])}, nil
}

func decodeBumps(w []uint32) (Packet, error) {
	if err := checkBytes("bumps-wheel-drops", w); err != nil {
		return nil, err
	}
	return BumpsWheelDrops{
		WheelDropCaster: bit(w[0], BitWheelDropCaster),
		WheelDropLeft:   bit(w[0], BitWheelDropLeft),
		WheelDropRight:  bit(w[0], BitWheelDropRight),
		BumpLeft:        bit(w[0], BitBumpLeft),
		BumpRight:       bit(w[0], BitBumpRight),
	}, nil
}

func decodeWall(w []uint32) (Packet, error) {
	if err := checkBytes("wall", w); err != nil {
		return nil, err
	}
	return Wall{Detected: bit(w[0], 0)}, nil
}

func decodeButtons(w []uint32) (Packet, error) {
	if err := checkBytes("buttons", w); err != nil {
		return nil, err
	}
	return Buttons{Advance: bit(w[0], BitButtonAdvance), Play: bit(w[0], BitButtonPlay)}, nil
}

func decodeDistance(w []uint32) (Packet, error) {
	if err := checkBytes("distance", w); err != nil {
		return nil, err
	}
	return Distance{Millimeters: int16(joinUint16(w[0], w[1]))}, nil
}

func decodeAngle(w []uint32) (Packet, error) {
	if err := checkBytes("angle", w); err != nil {
		return nil, err
	}
	return Angle{Degrees: int16(joinUint16(w[0], w[1]))}, nil
}

func decodeBatteryCharge(w []uint32) (Packet, error) {
	if err := checkBytes("battery-charge", w); err != nil {
		return nil, err
	}
	return BatteryCharge{MilliampHours: joinUint16(w[0], w[1])}, nil
}

func decodeText(w []uint32) (Packet, error) {
	runes := make([]rune, 0, len(w)-2)
	for _, cp := range w[2:] {
		r := rune(cp)
		if cp > utf8.MaxRune || !utf8.ValidRune(r) {
			return nil, fmt.Errorf("%w: text code point 0x%x", ErrInvalidWord, cp)
		}
		runes = append(runes, r)
	}
	return Text{Text: string(runes)}, nil
}

func checkBytes(name string, words []uint32) error {
	for i, w := range words {
		if w > 0xFF {
			return fmt.Errorf("%w: %s payload word %d is %d", ErrInvalidWord, name, i, w)
		}
	}
	return nil
}

func appendUint16(dst []uint32, v uint16) []uint32 {
	return append(dst, uint32(v>>8), uint32(v&0xFF))
}

func joinUint16(high, low uint32) uint16 {
	return uint16(high)<<8 | uint16(low)
}

func packBits(bits map[int]bool) uint32 {
	var w uint32
	for pos, set := range bits {
		if set {
			w |= 1 << pos
		}
	}
	return w
}

func bit(w uint32, pos int) bool {
	return w&(1<<pos) != 0
}
