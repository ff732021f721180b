// Package logger configures the process-wide phuslu/log logger from the
// [logging] section and hands out per-component copies of it.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"core_governor/internal/config"

	"github.com/phuslu/log"
)

// NOTE: use example: log := logger.NewLoggerWithContext("prime")

// asyncChannelSize is the queue length of every AsyncWriter we create.
const asyncChannelSize = 4096

// ParseLevel converts a configured level name. Unknown names fall back to info.
func ParseLevel(name string) log.Level {
	switch strings.ToLower(name) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func timeLocation(name string) *time.Location {
	switch name {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.Local
}

func timeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	}
	return format
}

// GlogFormatter renders entries as "Lyyyy-mm-dd... goid caller] message".
type GlogFormatter struct{}

// Formatter implements log.ConsoleWriter's Formatter hook.
func (GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var buf bytes.Buffer
	if a.Level != "" {
		buf.WriteString(strings.ToUpper(a.Level[:1]))
	} else {
		buf.WriteByte('?')
	}
	buf.WriteString(a.Time)
	buf.WriteByte(' ')
	buf.WriteString(a.Goid)
	buf.WriteByte(' ')
	buf.WriteString(a.Caller)
	buf.WriteString("] ")
	buf.WriteString(a.Message)
	for _, kv := range a.KeyValues {
		buf.WriteByte(' ')
		buf.WriteString(kv.Key)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
	}
	buf.WriteByte('\n')
	return w.Write(buf.Bytes())
}

func withAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

func consoleWriter(c *config.ConsoleConfig) (log.Writer, error) {
	var out io.Writer = os.Stderr
	if c.Writer == "stdout" {
		out = os.Stdout
	}

	if c.FastIO {
		return withAsync(&log.IOWriter{Writer: out}, c.Async), nil
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    c.ColorOutput,
		QuoteString:    c.QuoteString,
		EndWithMessage: true,
		Writer:         out,
	}
	switch c.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	case "", "auto":
	default:
		return nil, fmt.Errorf("unknown console format %q", c.Format)
	}
	return withAsync(cw, c.Async), nil
}

func fileWriter(c *config.FileConfig) (log.Writer, error) {
	if c.Filename == "" {
		return nil, fmt.Errorf("file output requires a filename")
	}
	if c.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(c.Filename), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log folder: %w", err)
		}
	}
	return withAsync(&log.FileWriter{
		Filename:     c.Filename,
		FileMode:     0644,
		MaxSize:      c.MaxSize << 20,
		MaxBackups:   c.MaxBackups,
		TimeFormat:   timeFormat(c.TimeFormat),
		LocalTime:    c.LocalTime,
		HostName:     c.HostName,
		ProcessID:    c.ProcessID,
		EnsureFolder: c.EnsureFolder,
	}, c.Async), nil
}

func syslogWriter(c *config.SyslogConfig) (log.Writer, error) {
	return withAsync(&log.SyslogWriter{
		Network:  c.Network,
		Address:  c.Address,
		Hostname: c.Hostname,
		Tag:      c.Tag,
		Marker:   c.Marker,
	}, c.Async), nil
}

func outputWriter(o config.LogOutput) (log.Writer, error) {
	switch o.Type {
	case "console":
		if o.Console == nil {
			return nil, fmt.Errorf("console output missing console configuration")
		}
		return consoleWriter(o.Console)
	case "file":
		if o.File == nil {
			return nil, fmt.Errorf("file output missing file configuration")
		}
		return fileWriter(o.File)
	case "syslog":
		if o.Syslog == nil {
			return nil, fmt.Errorf("syslog output missing syslog configuration")
		}
		return syslogWriter(o.Syslog)
	case "eventlog":
		if o.Eventlog == nil {
			return nil, fmt.Errorf("eventlog output missing eventlog configuration")
		}
		return eventlogWriter(o.Eventlog)
	}
	return nil, fmt.Errorf("unknown output type: %s", o.Type)
}

// buildWriter combines every enabled output. With nothing enabled it falls
// back to plain stderr so startup errors are never lost.
func buildWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers []log.Writer
	for _, o := range outputs {
		if !o.Enabled {
			continue
		}
		w, err := outputWriter(o)
		if err != nil {
			return nil, fmt.Errorf("%s output: %w", o.Type, err)
		}
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	}
	multi := log.MultiEntryWriter(writers)
	return &multi, nil
}

// ConfigureLogging replaces log.DefaultLogger. Component loggers created
// before the call keep their old writer.
func ConfigureLogging(cfg config.LoggingConfig) error {
	w, err := buildWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:        ParseLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   timeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: timeLocation(cfg.Defaults.TimeLocation),
		Writer:       w,
	}

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(cfg.Outputs)).
		Msg("Loggers configured")
	return nil
}

// NewLoggerWithContext copies log.DefaultLogger and tags every entry with
// the component name. Call it after ConfigureLogging.
func NewLoggerWithContext(component string) log.Logger {
	base := &log.DefaultLogger
	return log.Logger{
		Level:        base.Level,
		Caller:       0,
		TimeField:    base.TimeField,
		TimeFormat:   base.TimeFormat,
		TimeLocation: base.TimeLocation,
		Writer:       base.Writer,
		Context:      log.NewContext(base.Context).Str("component", component).Value(),
	}
}
