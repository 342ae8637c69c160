package capture

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Options configure one LogToString scope.
type Options struct {
	// Passthrough also receives every chunk, typically the process stdout.
	Passthrough io.Writer
	// OnChunk streams every chunk while the action runs.
	OnChunk ChunkFunc
	// Level is the initial level of the scoped logger; the zero value is PanicLevel.
	// The action may change it.
	Level logrus.Level
}

// LoggedError is returned by LogToString when the action fails. It keeps the
// log captured up to the failure.
type LoggedError struct {
	Err error
	Log string
}

func (e *LoggedError) Error() string { return e.Err.Error() }

func (e *LoggedError) Unwrap() error { return e.Err }

func (e *LoggedError) CapturedLog() string { return e.Log }

// LogToString runs action with a fresh logger whose only output is a new Sink,
// then closes the sink and returns the captured text. The logger is never
// installed globally, so concurrent scopes do not share output.
func LogToString(opts Options, action func(log *logrus.Logger) error) (string, error) {
	sink := NewSink(opts.Passthrough, opts.OnChunk)
	log := NewLogger(sink, opts.Level)

	err := func() error {
		defer sink.Close()
		return action(log)
	}()

	text := sink.Results()
	if err != nil {
		return text, &LoggedError{Err: err, Log: text}
	}
	return text, nil
}

// NewLogger returns a logrus logger writing only to w.
func NewLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&LineFormatter{})
	log.SetLevel(level)
	return log
}

// LineFormatter renders entries as "[time] LEVEL: message key=value".
type LineFormatter struct {
	TimestampFormat string
}

var _ logrus.Formatter = (*LineFormatter)(nil)

func (f *LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = time.RFC3339
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] %s: %s", entry.Time.Format(layout), strings.ToUpper(entry.Level.String()), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
