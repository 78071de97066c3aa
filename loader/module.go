package loader

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/JackBro/lambdachine/mm"
	"github.com/JackBro/lambdachine/object"
	"github.com/JackBro/lambdachine/op"
)

// Module is the serialized form of a compiled program: info table
// definitions, static closures, and the designated root. References inside
// a module are module-local indexes; LoadModule translates them to the ids
// and static addresses of the linked program. Integer keys keep the
// encoding compact and allow fields to be added without breaking old
// readers.
type Module struct {
	Name    string      `cbor:"1,keyasint"`
	Infos   []InfoDef   `cbor:"2,keyasint"`
	Statics []StaticDef `cbor:"3,keyasint"`
	Root    int         `cbor:"4,keyasint"` // index into Statics, -1 for none
}

// InfoDef serializes one info table.
type InfoDef struct {
	Name       string   `cbor:"1,keyasint"`
	Type       uint8    `cbor:"2,keyasint"`
	Size       uint8    `cbor:"3,keyasint"`
	Tag        uint16   `cbor:"4,keyasint,omitempty"`
	LayoutKind uint8    `cbor:"5,keyasint,omitempty"`
	Ptrs       uint16   `cbor:"6,keyasint,omitempty"`
	NPtrs      uint16   `cbor:"7,keyasint,omitempty"`
	Bitmap     uint32   `cbor:"8,keyasint,omitempty"`
	Selector   uint32   `cbor:"9,keyasint,omitempty"`
	Code       *CodeDef `cbor:"10,keyasint,omitempty"`
}

// CodeDef serializes one instruction stream.
type CodeDef struct {
	FrameSize uint8    `cbor:"1,keyasint"`
	Arity     uint8    `cbor:"2,keyasint"`
	Lits      []LitDef `cbor:"3,keyasint,omitempty"`
	Ins       []uint32 `cbor:"4,keyasint"`
	Bitmaps   []uint16 `cbor:"5,keyasint,omitempty"`
}

// LitDef serializes one literal. Info literals hold a module-local info
// index, closure literals a module-local static index.
type LitDef struct {
	Type  uint8  `cbor:"1,keyasint"`
	Value uint64 `cbor:"2,keyasint,omitempty"`
	Str   string `cbor:"3,keyasint,omitempty"`
}

// StaticDef serializes one static closure.
type StaticDef struct {
	Info    int           `cbor:"1,keyasint"` // module-local info index
	Payload []PayloadWord `cbor:"2,keyasint,omitempty"`
}

// PayloadWord is one static payload word: either a raw value or a
// reference to another static closure.
type PayloadWord struct {
	Static int    `cbor:"1,keyasint"` // static index, -1 for a raw value
	Value  uint64 `cbor:"2,keyasint,omitempty"`
}

// WriteModule encodes the module.
func WriteModule(w io.Writer, m *Module) error {
	if err := cbor.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("loader: encode module: %w", err)
	}
	return nil
}

// ReadModule decodes a module.
func ReadModule(r io.Reader) (*Module, error) {
	var m Module
	if err := cbor.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("loader: decode module: %w", err)
	}
	return &m, nil
}

// LoadModule links a module into an executable program and its heap.
func LoadModule(m *Module, heapOpts ...mm.Option) (*object.Program, *mm.Heap, error) {
	b := NewBuilder(heapOpts...)
	prog, heap := b.prog, b.heap

	// First pass: register every info table so literal and static
	// references can be translated, deferring code translation until all
	// ids are known.
	ids := make([]uint16, len(m.Infos))
	codes := make([]*object.Code, len(m.Infos))
	for i, def := range m.Infos {
		if def.Type >= uint8(object.NClosureTypes) {
			return nil, nil, fmt.Errorf("loader: %s: invalid closure type %d", def.Name, def.Type)
		}
		var code *object.Code
		if def.Code != nil {
			code = &object.Code{
				FrameSize: def.Code.FrameSize,
				Arity:     def.Code.Arity,
			}
			codes[i] = code
		}
		itbl := object.NewInfoTable(object.InfoTableParams{
			Type: object.ClosureType(def.Type),
			Size: def.Size,
			Tag:  def.Tag,
			Layout: object.Layout{
				Kind:     object.LayoutKind(def.LayoutKind),
				Ptrs:     def.Ptrs,
				NPtrs:    def.NPtrs,
				Bitmap:   def.Bitmap,
				Selector: def.Selector,
			},
			Name: def.Name,
			Code: code,
		})
		ids[i] = prog.RegisterInfo(itbl)
	}

	// Second pass: allocate statics with raw payloads, then patch the
	// payload words that reference other statics.
	refs := make([]object.Ref, len(m.Statics))
	for i, def := range m.Statics {
		if def.Info < 0 || def.Info >= len(m.Infos) {
			return nil, nil, fmt.Errorf("loader: static %d: info index %d out of range", i, def.Info)
		}
		payload := make([]object.Word, len(def.Payload))
		for j, w := range def.Payload {
			payload[j] = object.Word(w.Value)
		}
		refs[i] = b.Static(ids[def.Info], payload...)
	}
	for i, def := range m.Statics {
		for j, w := range def.Payload {
			if w.Static < 0 {
				continue
			}
			if w.Static >= len(m.Statics) {
				return nil, nil, fmt.Errorf("loader: static %d: reference %d out of range", i, w.Static)
			}
			heap.SetPayload(refs[i], j, object.Word(refs[w.Static]))
		}
	}

	// Third pass: translate instruction streams and literals.
	for i, def := range m.Infos {
		if def.Code == nil {
			continue
		}
		code := codes[i]
		code.Ins = make([]op.Ins, len(def.Code.Ins))
		for j, w := range def.Code.Ins {
			code.Ins[j] = op.Ins(w)
		}
		code.Bitmaps = append([]uint16(nil), def.Code.Bitmaps...)
		for _, lit := range def.Code.Lits {
			typ := object.LitType(lit.Type)
			var w object.Word
			switch typ {
			case object.LitInfo:
				if lit.Value >= uint64(len(m.Infos)) {
					return nil, nil, fmt.Errorf("loader: %s: info literal %d out of range", def.Name, lit.Value)
				}
				w = object.Word(ids[lit.Value])
			case object.LitClosure:
				if lit.Value >= uint64(len(m.Statics)) {
					return nil, nil, fmt.Errorf("loader: %s: closure literal %d out of range", def.Name, lit.Value)
				}
				w = object.Word(refs[lit.Value])
			case object.LitString:
				w = prog.InternString(lit.Str)
			default:
				w = object.Word(lit.Value)
			}
			code.Lits = append(code.Lits, w)
			code.LitTypes = append(code.LitTypes, typ)
		}
	}

	for i := range m.Infos {
		if codes[i] != nil {
			b.validate(prog.Info(ids[i]))
		}
	}
	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, nil, err
	}

	if m.Root >= 0 {
		if m.Root >= len(m.Statics) {
			return nil, nil, fmt.Errorf("loader: root index %d out of range", m.Root)
		}
		prog.SetRoot(refs[m.Root])
	}
	return prog, heap, nil
}
