package vm

import "github.com/JackBro/lambdachine/object"

// Frame layout. A frame occupies three header words followed by its local
// slots:
//
//	stack[base-3]  saved pc of the caller (0 only in the bottom frame)
//	stack[base-2]  caller's base (0 marks the bottom of the stack)
//	stack[base-1]  node: the closure whose code the frame executes
//	stack[base..]  local slots, sized by the code's FrameSize
//
// Real bases are always >= frameHeaderWords, so a stored base of zero is
// unambiguous as the bottom sentinel.
const frameHeaderWords = 3

// Thread is one execution context: a contiguous word stack of frames and
// the result register written by returns and evaluations.
type Thread struct {
	stack      []object.Word
	base       int
	lastResult object.Word
}

func newThread(words int) *Thread {
	return &Thread{
		stack: make([]object.Word, words),
	}
}

// LastResult returns the value most recently returned or evaluated.
func (t *Thread) LastResult() object.Word { return t.lastResult }
