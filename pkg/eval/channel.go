package eval

import (
	"github.com/omnilisp/omni/pkg/ast"
)

// Channel operations for the interpreter bridge. Channels exist only
// here: compiled code communicates through atoms and fiber joins, the
// REPL may still use channel primitives interactively.

// ChanSendBlocking sends val on ch, blocking until a receiver is
// ready (or buffer space exists).
func ChanSendBlocking(ch, val *ast.Value) *ast.Value {
	if !ast.IsChan(ch) {
		return ast.NewError("chan-send!: not a channel")
	}
	ch.ChanSend <- val
	return ast.Nothing
}

// ChanRecvBlocking receives from ch, blocking until a value arrives.
// A closed, drained channel yields nothing.
func ChanRecvBlocking(ch *ast.Value) *ast.Value {
	if !ast.IsChan(ch) {
		return ast.NewError("chan-recv!: not a channel")
	}
	v, ok := <-ch.ChanRecv
	if !ok {
		return ast.Nothing
	}
	return v
}

// ChanClose closes ch; further receives drain then yield nothing.
func ChanClose(ch *ast.Value) *ast.Value {
	if !ast.IsChan(ch) {
		return ast.NewError("chan-close!: not a channel")
	}
	close(ch.ChanSend)
	return ast.Nothing
}
