package supervisor

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/robolab/kernel/runtime"
	sab_layout "github.com/nmxmxh/robolab/kernel/threads/sab"
)

// ErrMalformedMessage is returned when a control frame cannot be decoded.
var ErrMalformedMessage = errors.New("malformed control message")

// Control frame field numbers. Every message shares one flat schema and
// leaves unused fields out.
const (
	fieldKind     protowire.Number = 1
	fieldEpisode  protowire.Number = 2
	fieldLanguage protowire.Number = 3
	fieldCode     protowire.Number = 4
	fieldText     protowire.Number = 5
	fieldDetail   protowire.Number = 6
	fieldRegion   protowire.Number = 7
	fieldTx       protowire.Number = 8
	fieldRx       protowire.Number = 9
)

// Descriptor field numbers.
const (
	descID     protowire.Number = 1
	descKind   protowire.Number = 2
	descPath   protowire.Number = 3
	descOffset protowire.Number = 4
	descSize   protowire.Number = 5
)

// Marshal encodes a message into a self-contained frame. Frames share no
// memory with the message, mirroring a structured clone.
func Marshal(m Message) []byte {
	b := protowire.AppendTag(nil, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind()))

	switch v := m.(type) {
	case Start:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
		b = appendUint(b, fieldLanguage, uint64(v.Language))
		b = appendBytes(b, fieldCode, v.Code)
	case Stop:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
	case SetSharedRegisters:
		b = appendBytes(b, fieldRegion, marshalDescriptor(v.Region))
	case SetCreateSerial:
		b = appendBytes(b, fieldTx, marshalDescriptor(v.Tx))
		b = appendBytes(b, fieldRx, marshalDescriptor(v.Rx))
	case SetSharedConsole:
		b = appendBytes(b, fieldRegion, marshalDescriptor(v.Region))
	case WorkerReady:
	case StartAck:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
	case ProgramOutput:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
		b = appendBytes(b, fieldText, []byte(v.Text))
	case ProgramError:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
		b = appendBytes(b, fieldText, []byte(v.Text))
		b = appendBytes(b, fieldDetail, []byte(v.Detail))
	case Stopped:
		b = appendUint(b, fieldEpisode, uint64(v.Episode))
	default:
		panic(fmt.Sprintf("supervisor: cannot marshal %T", m))
	}
	return b
}

type frame struct {
	kind     MessageKind
	episode  uint32
	language runtime.Language
	code     []byte
	text     string
	detail   string
	region   sab_layout.Descriptor
	tx       sab_layout.Descriptor
	rx       sab_layout.Descriptor
}

// Unmarshal decodes a frame produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (Message, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch {
		case typ == protowire.VarintType && num <= fieldLanguage:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case fieldKind:
				f.kind = MessageKind(v)
			case fieldEpisode:
				f.episode = uint32(v)
			case fieldLanguage:
				f.language = runtime.Language(v)
			}
		case typ == protowire.BytesType && num >= fieldCode && num <= fieldRx:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				err = f.setBytes(num, v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		if err != nil {
			return nil, err
		}
		b = b[n:]
	}
	return f.message()
}

func (f *frame) setBytes(num protowire.Number, v []byte) error {
	var err error
	switch num {
	case fieldCode:
		f.code = append([]byte(nil), v...)
	case fieldText:
		f.text = string(v)
	case fieldDetail:
		f.detail = string(v)
	case fieldRegion:
		f.region, err = unmarshalDescriptor(v)
	case fieldTx:
		f.tx, err = unmarshalDescriptor(v)
	case fieldRx:
		f.rx, err = unmarshalDescriptor(v)
	}
	return err
}

func (f *frame) message() (Message, error) {
	switch f.kind {
	case KindStart:
		return Start{Episode: f.episode, Language: f.language, Code: f.code}, nil
	case KindStop:
		return Stop{Episode: f.episode}, nil
	case KindSetSharedRegisters:
		return SetSharedRegisters{Region: f.region}, nil
	case KindSetCreateSerial:
		return SetCreateSerial{Tx: f.tx, Rx: f.rx}, nil
	case KindSetSharedConsole:
		return SetSharedConsole{Region: f.region}, nil
	case KindWorkerReady:
		return WorkerReady{}, nil
	case KindStartAck:
		return StartAck{Episode: f.episode}, nil
	case KindProgramOutput:
		return ProgramOutput{Episode: f.episode, Text: f.text}, nil
	case KindProgramError:
		return ProgramError{Episode: f.episode, Text: f.text, Detail: f.detail}, nil
	case KindStopped:
		return Stopped{Episode: f.episode}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, f.kind)
	}
}

func marshalDescriptor(d sab_layout.Descriptor) []byte {
	b := appendBytes(nil, descID, []byte(d.ID))
	b = appendUint(b, descKind, uint64(d.Kind))
	b = appendBytes(b, descPath, []byte(d.Path))
	b = appendUint(b, descOffset, uint64(d.Offset))
	return appendUint(b, descSize, uint64(d.Size))
}

func unmarshalDescriptor(b []byte) (sab_layout.Descriptor, error) {
	var d sab_layout.Descriptor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("%w: descriptor: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case descKind:
				d.Kind = sab_layout.RegionKind(v)
			case descOffset:
				d.Offset = uint32(v)
			case descSize:
				d.Size = uint32(v)
			}
		case protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			switch num {
			case descID:
				d.ID = string(v)
			case descPath:
				d.Path = string(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return d, fmt.Errorf("%w: descriptor field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return d, nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
