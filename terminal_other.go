//go:build !windows

package main

// enableVirtualTerminal is a no-op outside Windows: every other supported
// terminal already interprets ANSI escapes natively.
func enableVirtualTerminal() bool { return true }
