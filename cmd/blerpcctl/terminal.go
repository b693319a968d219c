package main

import (
	"os"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
)

// initColorOutput routes color.Output through go-colorable when stdout is
// a real terminal (including a Windows console or Cygwin pty), the same
// detect-then-wrap idiom fatih/color itself uses internally and that the
// teacher's krctl/kr CLIs rely on implicitly via that library.
func initColorOutput() {
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		color.Output = colorable.NewColorableStdout()
	} else {
		color.NoColor = true
	}
}
