package object

import "fmt"

// LayoutKind selects how a closure's payload is described to the collector.
type LayoutKind uint8

const (
	// LayoutPayload describes the payload as a pointer count followed by a
	// non-pointer count; the pointer words come first.
	LayoutPayload LayoutKind = iota
	// LayoutBitmap describes the payload with a raw bit pattern, bit i set
	// meaning payload word i holds a pointer.
	LayoutBitmap
	// LayoutSelector marks selector thunks; the offset names the payload
	// word selected from the scrutinee.
	LayoutSelector
)

// Layout is the payload layout descriptor of an info table.
type Layout struct {
	Kind     LayoutKind
	Ptrs     uint16 // pointer words (LayoutPayload)
	NPtrs    uint16 // non-pointer words (LayoutPayload)
	Bitmap   uint32 // pointer bit pattern (LayoutBitmap)
	Selector uint32 // selected payload word (LayoutSelector)
}

// InfoTable is the shared, immutable descriptor for one closure shape.
// Exactly one InfoTable exists per distinct shape; closures hold non-owning
// references to it via their header word.
type InfoTable struct {
	id     uint16
	typ    ClosureType
	size   uint8  // payload words of a closure instance
	tag    uint16 // constructor tag (Constr only)
	layout Layout
	name   string
	code   *Code // non-nil iff typ.HasCode()
}

// InfoTableParams contains the parameters for creating an InfoTable.
type InfoTableParams struct {
	Type   ClosureType
	Size   uint8
	Tag    uint16
	Layout Layout
	Name   string
	Code   *Code
}

// NewInfoTable creates an immutable InfoTable. The table has no identity
// until it is registered with a Program.
func NewInfoTable(params InfoTableParams) *InfoTable {
	return &InfoTable{
		typ:    params.Type,
		size:   params.Size,
		tag:    params.Tag,
		layout: params.Layout,
		name:   params.Name,
		code:   params.Code,
	}
}

// ID returns the table's identity within its Program. Closure headers store
// this value.
func (t *InfoTable) ID() uint16 { return t.id }

// Type returns the closure type tag.
func (t *InfoTable) Type() ClosureType { return t.typ }

// Name returns the display name of the closure shape.
func (t *InfoTable) Name() string { return t.name }

// Size returns the payload word count of closure instances.
func (t *InfoTable) Size() uint8 { return t.size }

// Layout returns the payload layout descriptor.
func (t *InfoTable) Layout() Layout { return t.layout }

// HasCode reports whether the table embeds a bytecode container.
func (t *InfoTable) HasCode() bool { return t.typ.HasCode() }

// Code returns the embedded bytecode container, or nil for data shapes.
func (t *InfoTable) Code() *Code { return t.code }

// Tag returns the constructor tag used for pattern-match dispatch. Reading
// the tag of a non-constructor shape is a contract violation; it is checked
// in debug builds only.
func (t *InfoTable) Tag() uint16 {
	if debugChecks && t.typ != Constr {
		panic(fmt.Sprintf("object: tag read on %s info table %q", t.typ, t.name))
	}
	return t.tag
}
