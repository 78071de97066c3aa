//go:build lcdebug

package object

// debugChecks enables internal contract checks.
const debugChecks = true
