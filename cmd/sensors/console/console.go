// Package console prints human readable CLI output: readings with a pictogram per
// channel, progress lines and warnings. Diagnostics go through slog instead.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
	Bold   = color.New(color.Bold).SprintFunc()
)

const (
	PictoFinish      = "🏁"
	PictoPin         = "📌"
	PictoThermometer = "🌡"
	PictoHumidity    = "💧"
	PictoPressure    = "🧭"
	PictoLight       = "💡"
	PictoAir         = "🌫"
)

var pictos = map[string]string{
	"temperature": PictoThermometer,
	"humidity":    PictoHumidity,
	"pressure":    PictoPressure,
	"light":       PictoLight,
	"tvoc":        PictoAir,
}

// Picto returns the pictogram printed in front of a channel reading.
func Picto(channel string) string {
	if p, ok := pictos[channel]; ok {
		return p
	}
	return PictoPin
}

var (
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetOutput redirects regular and warning output; tests pass io.Discard.
func SetOutput(w, errw io.Writer) {
	out, errOut = w, errw
}

// Exit wraps a formatted message into an error urfave/cli turns into the exit code.
func Exit(code int, msg string, args ...any) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

func Warnf(msg string, args ...any) {
	fmt.Fprintf(errOut, "%s: %s\n", Yellow("WARN"), fmt.Sprintf(msg, args...))
}

func Infof(msg string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", White("..."), fmt.Sprintf(msg, args...))
}

func PInfof(picto, msg string, args ...any) {
	fmt.Fprintf(out, "%s %s\n", picto, fmt.Sprintf(msg, args...))
}
