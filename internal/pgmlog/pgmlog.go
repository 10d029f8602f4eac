// Package pgmlog is the sender's leveled logger: the same Debug/Info/
// Warn/Error/Fatal/Section/Banner surface the teacher's pkg/logger
// exposes, backed by github.com/sirupsen/logrus instead of a hand-rolled
// ANSI formatter.
package pgmlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry (fields such as TSI or component are
// attached with With) and the teacher's section/banner conveniences.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing text-formatted, timestamped entries to
// stderr at the given level.
func New(level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	return &Logger{entry: logrus.NewEntry(l)}
}

// With returns a Logger that attaches the given fields to every entry it
// emits, without mutating the receiver — for tagging a component (e.g.
// "txw", "nak") or a TSI onto a line of log output.
func (l *Logger) With(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// Section prints a section header, matching the teacher's banner-style
// startup logging.
func (l *Logger) Section(title string) {
	border := "═══════════════════════════════════════════════════════════"
	fmt.Fprintf(os.Stderr, "\n╔%s╗\n", border)
	fmt.Fprintf(os.Stderr, "║ %-61s ║\n", title)
	fmt.Fprintf(os.Stderr, "╚%s╝\n\n", border)
}

// Banner prints the startup banner for cmd/pgmsend.
func Banner(title, version string) {
	const art = `
╔═══════════════════════════════════════════════════════════╗
║   ██████╗  ██████╗ ███╗   ███╗                              ║
║   ██╔══██╗██╔════╝ ████╗ ████║                              ║
║   ██████╔╝██║  ███╗██╔████╔██║                              ║
║   ██╔═══╝ ██║   ██║██║╚██╔╝██║                              ║
║   ██║     ╚██████╔╝██║ ╚═╝ ██║                               ║
║   ╚═╝      ╚═════╝ ╚═╝     ╚═╝                               ║
║                                                              ║
║              %-47s║
║              Version %-40s║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Fprintf(os.Stderr, art, title, version)
}
