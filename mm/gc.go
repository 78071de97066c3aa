package mm

import "github.com/JackBro/lambdachine/object"

// Collect runs a stop-the-world copying collection: live closures are
// evacuated into a fresh semispace, statics and the provided roots are
// forwarded, and the bump window is reset to the end of the survivors.
// Previously computed heap addresses are invalid afterwards.
func (h *Heap) Collect(roots RootScanner) {
	to := make([]object.Word, len(h.space))
	toHp := 1
	copied := 0

	evac := func(r object.Ref) object.Ref {
		if r.IsNull() || r.IsStatic() {
			return r
		}
		idx := r.Index()
		hdr := h.space[idx]
		if hdr&headerForward != 0 {
			return object.Ref(hdr &^ headerForward)
		}
		n := h.payloadWordsAt(h.space, idx)
		newIdx := toHp
		copy(to[newIdx:newIdx+1+n], h.space[idx:idx+1+n])
		toHp += 1 + n
		copied += 1 + n
		h.space[idx] = headerForward | object.Word(newIdx)
		return object.Ref(newIdx)
	}
	forward := func(slot *object.Word) {
		*slot = object.Word(evac(object.Ref(*slot)))
	}

	// Statics are never moved, but an updated CAF holds a static
	// indirection into the collected heap, so every static payload is
	// scanned as a root.
	for _, s := range h.staticObjs {
		h.scanPayload(h.static, s.idx, forward)
	}
	if roots != nil {
		roots.ScanRoots(forward)
	}

	// Cheney scan: evacuating an object may discover more live objects;
	// the to-space doubles as the work queue.
	for scan := 1; scan < toHp; {
		n := h.payloadWordsAt(to, scan)
		h.scanPayload(to, scan, forward)
		scan += 1 + n
	}

	h.space = to
	h.hp = toHp
	h.hpLim = len(to)
	h.collections++
	h.copied += uint64(copied)
	h.log.Debug().
		Uint64("collection", h.collections).
		Int("live_words", toHp).
		Int("capacity", len(to)).
		Msg("collected")
}

// payloadWordsAt returns the payload word count of the closure whose
// header is at idx. Partial applications size themselves from their
// argument count; everything else is sized by its info table.
func (h *Heap) payloadWordsAt(words []object.Word, idx int) int {
	itbl := h.prog.Info(uint16(words[idx]))
	if itbl.Type() == object.Pap {
		nargs := int(uint16(words[idx+1]))
		return 2 + nargs
	}
	return int(itbl.Size())
}

// scanPayload applies forward to every pointer word of the closure at idx,
// as described by its info table layout. A blackhole mark does not disturb
// the header's table id, so a thunk under evaluation scans exactly like
// the thunk itself.
func (h *Heap) scanPayload(words []object.Word, idx int, forward func(*object.Word)) {
	itbl := h.prog.Info(uint16(words[idx]))
	if itbl.Type() == object.Pap {
		meta := words[idx+1]
		nargs := int(uint16(meta))
		mask := uint32(meta >> 16)
		forward(&words[idx+2]) // the underlying function
		for i := 0; i < nargs; i++ {
			if mask&(1<<uint(i)) != 0 {
				forward(&words[idx+3+i])
			}
		}
		return
	}
	layout := itbl.Layout()
	switch layout.Kind {
	case object.LayoutPayload:
		for i := 0; i < int(layout.Ptrs); i++ {
			forward(&words[idx+1+i])
		}
	case object.LayoutBitmap:
		for i := 0; i < int(itbl.Size()); i++ {
			if layout.Bitmap&(1<<uint(i)) != 0 {
				forward(&words[idx+1+i])
			}
		}
	case object.LayoutSelector:
		// Selector thunks hold only the scrutinee.
		forward(&words[idx+1])
	}
}
