package msg

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// Out receives every message. Tests swap it for a buffer.
var Out io.Writer = color.Output

func write(prefix string, format string, a ...any) {
	fmt.Fprint(Out, prefix)
	fmt.Fprint(Out, ": ")
	fmt.Fprintf(Out, format, a...)
	fmt.Fprint(Out, "\n")
}

func Error(format string, a ...any) {
	write(color.HiRedString("error"), format, a...)
}

func Warn(format string, a ...any) {
	write(color.YellowString("warn"), format, a...)
}

func Info(format string, a ...any) {
	write(color.HiGreenString("info"), format, a...)
}

// Command announces a step before its process starts, e.g.
//
//	 Running configure: cmake -G "Unix Makefiles" -S . -B build
func Command(step, path string, args []string) {
	fmt.Fprintf(Out, "%s %s: %s\n", color.HiCyanString("  Running"), step, CommandLine(path, args))
}

// CommandLine renders argv the way a user would type it into a shell.
func CommandLine(path string, args []string) string {
	var sb strings.Builder
	sb.WriteString(quoteArg(path))
	for _, arg := range args {
		sb.WriteByte(' ')
		sb.WriteString(quoteArg(arg))
	}
	return sb.String()
}

func quoteArg(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return strconv.Quote(s)
	}
	return s
}
