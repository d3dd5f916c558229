package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// out is where human-facing messages go. Tests swap it.
var out io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

type mark struct {
	color string
	glyph string
}

var (
	markOK   = mark{colorGreen, "✓"}
	markFail = mark{colorRed, "✗"}
	markWarn = mark{colorYellow, "⚠"}
)

func printMarked(m mark, format string, args ...any) {
	fmt.Fprintln(out, colorize(m.color, m.glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printMarked(markOK, format, args...) }
func printError(format string, args ...any)   { printMarked(markFail, format, args...) }
func printWarning(format string, args ...any) { printMarked(markWarn, format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(out, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printBacklog reports a schedule count. Overdue rows mean the refresh
// workers are behind, so a non-zero count is highlighted.
func printBacklog(label string, count, limit int, highlight bool) {
	val := countLabel(count, limit)
	if highlight && count > 0 {
		val = colorize(colorYellow, val)
	}
	printStatus(label, "%s", val)
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
