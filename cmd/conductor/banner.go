package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal styling.
const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type bannerOptions struct {
	Version string
	Addr    string
}

func printStartupBanner(w io.Writer, opts bannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	title := "conductor"
	if version := strings.TrimSpace(opts.Version); version != "" {
		title += " " + version
	}
	if useANSI {
		title = ansiBold + title + ansiReset
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, centerWithAnsi(title, width))

	if addr := strings.TrimSpace(opts.Addr); addr != "" {
		wsLine := fmt.Sprintf("WebSocket: %s", styleURL("ws://"+addr+"/ws", useANSI))
		healthLine := fmt.Sprintf("Health:    %s", styleURL("http://"+addr+"/healthz", useANSI))
		fmt.Fprintln(w, centerWithAnsi(wsLine, width))
		fmt.Fprintln(w, centerWithAnsi(healthLine, width))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return fmt.Sprintf("%s%s%s%s", ansiCyan, ansiUnderline, url, ansiReset)
}

func stripAnsi(s string) string {
	result := s
	result = strings.ReplaceAll(result, ansiReset, "")
	result = strings.ReplaceAll(result, ansiBold, "")
	result = strings.ReplaceAll(result, ansiCyan, "")
	result = strings.ReplaceAll(result, ansiUnderline, "")
	return result
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		// Fallback for non-interactive outputs.
		return "    " + text
	}

	visibleText := stripAnsi(text)
	textLen := len([]rune(visibleText))
	if textLen >= width {
		return text
	}

	padding := (width - textLen) / 2
	return strings.Repeat(" ", padding) + text
}
