//go:build !lcdebug

package object

// debugChecks enables internal contract checks. Release builds trust the
// loader contract and skip them.
const debugChecks = false
