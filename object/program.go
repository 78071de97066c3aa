package object

// MaxApArgs is the largest over-application handled by the built-in
// application continuations.
const MaxApArgs = 8

// MiscCodes holds the built-in info tables every linked program carries:
// the canonical data shapes written by the interpreter (indirections,
// blackholes, partial applications) and the built-in bytecode for update
// frames, the evaluation entry, and over-application continuations.
// Populated by the loader.
type MiscCodes struct {
	Ind       *InfoTable
	StaticInd *InfoTable
	Blackhole *InfoTable
	Pap       *InfoTable

	Update      *InfoTable
	UpdateEntry Word // pc an update frame resumes at

	Entry     *InfoTable
	EntryEval int // offset of the Eval instruction in the entry code

	Ap      [MaxApArgs + 1]*InfoTable // Ap[k] continues a k-arg over-application
	ApEntry [MaxApArgs + 1]Word
}

// Program is the load-time registry of a linked bytecode program: the info
// table graph, the interned string table, the built-in misc codes, and the
// designated static root closure. It is built once by the loader and is
// immutable during execution.
type Program struct {
	infos   []*InfoTable
	strings []string
	Misc    MiscCodes
	root    Ref
}

// NewProgram creates an empty program. Info table id 0 and string index 0
// are reserved so that zero words never alias real entries.
func NewProgram() *Program {
	return &Program{
		infos:   make([]*InfoTable, 1),
		strings: make([]string, 1),
	}
}

// RegisterInfo assigns the table an id and adds it to the registry.
func (p *Program) RegisterInfo(t *InfoTable) uint16 {
	id := uint16(len(p.infos))
	t.id = id
	p.infos = append(p.infos, t)
	return id
}

// Info returns the table with the given id, or nil for the reserved id 0.
func (p *Program) Info(id uint16) *InfoTable {
	return p.infos[id]
}

// InfoCount returns the number of registered info tables, including the
// reserved slot 0.
func (p *Program) InfoCount() int { return len(p.infos) }

// InternString adds a string to the program string table and returns its
// index, reusing an existing entry when present.
func (p *Program) InternString(s string) Word {
	for i, existing := range p.strings[1:] {
		if existing == s {
			return Word(i + 1)
		}
	}
	p.strings = append(p.strings, s)
	return Word(len(p.strings) - 1)
}

// StringAt returns the interned string at the given index.
func (p *Program) StringAt(idx Word) string {
	return p.strings[idx]
}

// SetRoot designates the static root closure.
func (p *Program) SetRoot(r Ref) { p.root = r }

// Root returns the static root closure.
func (p *Program) Root() Ref { return p.root }
