package object

import "github.com/JackBro/lambdachine/op"

// LitType tags the entries of a Code literal pool.
type LitType uint8

const (
	LitInt     LitType = iota // word-sized signed integer
	LitString                 // index into the program string table
	LitChar                   // unicode code point
	LitWord                   // word-sized unsigned integer
	LitFloat                  // float bit pattern
	LitClosure                // reference to a static closure
	LitInfo                   // info table id
	LitPC                     // encoded program counter (trace recorder only)
)

func (t LitType) String() string {
	switch t {
	case LitInt:
		return "int"
	case LitString:
		return "string"
	case LitChar:
		return "char"
	case LitWord:
		return "word"
	case LitFloat:
		return "float"
	case LitClosure:
		return "closure"
	case LitInfo:
		return "info"
	case LitPC:
		return "pc"
	default:
		return "unknown"
	}
}

// NoBitmap is the bitmap reference used at program points that keep no live
// pointers in the frame.
const NoBitmap uint16 = 0xffff

// MaxFrameSlots bounds the frame size so that every frame is describable by
// a four-chunk pointer bitmap.
const MaxFrameSlots = 60

// Code is the bytecode container embedded in function, thunk, and
// continuation info tables. It is produced by the front end, consumed
// read-only by the interpreter, and trusted (framesize >= arity, non-empty
// instruction stream, bitmaps matching the frame layout); the loader
// validates these once at link time and the hot path does not re-check.
type Code struct {
	FrameSize uint8 // local slot count; FrameSize >= Arity
	Arity     uint8
	Lits      []Word
	LitTypes  []LitType
	Ins       []op.Ins
	Bitmaps   []uint16 // trailing GC bitmaps, chunk-encoded
}

// LiveMap decodes the pointer bitmap at the given reference: bit i set
// means frame slot i holds a live pointer. NoBitmap decodes to zero.
func (c *Code) LiveMap(ref uint16) uint64 {
	if ref == NoBitmap {
		return 0
	}
	var mask uint64
	shift := uint(0)
	for i := int(ref); i < len(c.Bitmaps); i++ {
		chunk := c.Bitmaps[i]
		mask |= uint64(chunk&0x7fff) << shift
		if chunk&0x8000 == 0 {
			break
		}
		shift += 15
	}
	return mask
}

// EncodeBitmap chunk-encodes a live-slot set for storage in a Code bitmap
// table. Each chunk carries 15 mask bits; the high bit marks continuation.
func EncodeBitmap(slots []int) []uint16 {
	var mask uint64
	for _, s := range slots {
		mask |= 1 << uint(s)
	}
	chunks := []uint16{uint16(mask & 0x7fff)}
	mask >>= 15
	for mask != 0 {
		chunks[len(chunks)-1] |= 0x8000
		chunks = append(chunks, uint16(mask&0x7fff))
		mask >>= 15
	}
	return chunks
}

// PC encodes a program counter as a word: the id of the info table owning
// the code in the high half, the instruction offset in the low half. The
// zero word is not a valid program counter (info table id 0 is reserved),
// which lets frames use it as the bottom-of-stack sentinel.
func PC(info uint16, offset int) Word {
	return Word(info)<<16 | Word(uint16(offset))
}

// PCInfo extracts the info table id from an encoded program counter.
func PCInfo(pc Word) uint16 { return uint16(pc >> 16) }

// PCOffset extracts the instruction offset from an encoded program counter.
func PCOffset(pc Word) int { return int(uint16(pc)) }
