/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log provides the structured RFC5424 logger used throughout the
// MISP connector. Callers hand key/value pairs via KV and KVErr which are
// encoded as structured data elements on each message.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

const (
	DefaultID = `gw@1`

	maxAppname  = 48
	maxHostname = 255
)

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

type Level int

type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a new logger with the given writer at log level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.guessHostnameAppname()
	return l
}

// NewFile creates a new logger whose first writer is a file opened in
// append mode, the file is created if it does not exist.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

func NewStderrLogger() *Logger {
	return New(stderrCloser{})
}

func NewDiscardLogger() *Logger {
	return New(discardCloser{})
}

func (l *Logger) guessHostnameAppname() {
	if hn, err := os.Hostname(); err == nil {
		if len(hn) > maxHostname {
			hn = hn[0:maxHostname]
		}
		l.hostname = hn
	}
	if exe, err := os.Executable(); err == nil {
		l.appname = strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
	}
}

// SetAppname overrides the appname attached to each log message.
func (l *Logger) SetAppname(v string) {
	l.mtx.Lock()
	if len(v) > maxAppname {
		v = v[0:maxAppname]
	}
	l.appname = v
	l.mtx.Unlock()
}

// SetLevel sets the log level, OFF disables logging entirely.
func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

// SetLevelString sets the log level using a string, this is a helper so a
// config file value can be handed straight in.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) Level() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// AddWriter adds a new writer which gets all log lines as they are handled.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	if wtr == nil {
		return errors.New("Invalid writer, is nil")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// Close closes the logger and all currently associated writers.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err = l.ready(); err != nil {
		return
	}
	l.hot = false
	for i := range l.wtrs {
		if lerr := l.wtrs[i].Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

func (l *Logger) ready() error {
	if !l.hot || len(l.wtrs) == 0 {
		return ErrNotOpen
	}
	return nil
}

// Debug writes a DEBUG level log to the underlying writers,
// if the logging level is higher than DEBUG no action is taken.
func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.output(DEBUG, msg, sds...)
}

// Info writes an INFO level log to the underlying writers.
func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.output(INFO, msg, sds...)
}

// Warn writes a WARN level log to the underlying writers.
func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.output(WARN, msg, sds...)
}

// Error writes an ERROR level log to the underlying writers.
func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.output(ERROR, msg, sds...)
}

// Critical writes a CRITICAL level log to the underlying writers.
func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(CRITICAL, msg, sds...)
}

// Fatal writes a log, closes the logger, and issues an os.Exit(-1).
func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) {
	l.FatalCode(-1, msg, sds...)
}

// FatalCode is identical to Fatal, except it allows for controlling the
// exit code.
func (l *Logger) FatalCode(code int, msg string, sds ...rfc5424.SDParam) {
	l.output(FATAL, msg, sds...)
	l.Close()
	os.Exit(code)
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	if err = l.ready(); err != nil {
		return
	}
	b, err := GenRFCMessage(time.Now(), lvl.priority(), l.hostname, l.appname, msg, sds...)
	if err != nil {
		return
	}
	ln := strings.TrimRight(string(b), "\n\t\r")
	for _, w := range l.wtrs {
		if _, lerr := io.WriteString(w, ln+"\n"); lerr != nil {
			err = lerr
		}
	}
	return
}

// GenRFCMessage builds a single RFC5424 encoded log message. Structured
// parameters are attached under the default SD-ID.
func GenRFCMessage(ts time.Time, prio rfc5424.Priority, hostname, appname, msg string, sds ...rfc5424.SDParam) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trimLength(maxHostname, hostname),
		AppName:   trimLength(maxAppname, appname),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{
			{
				ID:         DefaultID,
				Parameters: sds,
			},
		}
	}
	return m.MarshalBinary()
}

// KV builds a structured data parameter from a name and an arbitrary value.
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{
		Name:  name,
		Value: fmt.Sprintf("%v", value),
	}
}

// KVErr builds a structured data parameter carrying an error value under
// the standard "error" name.
func KVErr(err error) rfc5424.SDParam {
	return KV(`error`, err)
}

func LevelFromString(s string) (l Level, err error) {
	switch strings.TrimSpace(strings.ToUpper(s)) {
	case `OFF`:
		l = OFF
	case `DEBUG`:
		l = DEBUG
	case `INFO`:
		l = INFO
	case `WARN`:
		l = WARN
	case `ERROR`:
		l = ERROR
	case `CRITICAL`:
		l = CRITICAL
	case `FATAL`:
		l = FATAL
	default:
		err = ErrInvalidLevel
	}
	return
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

func trimLength(max int, s string) string {
	if len(s) > max {
		return s[0:max]
	}
	return s
}

type discardCloser struct{}

func (dc discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (dc discardCloser) Close() error                { return nil }

type stderrCloser struct{}

func (sc stderrCloser) Write(b []byte) (int, error) { return os.Stderr.Write(b) }
func (sc stderrCloser) Close() error                { return nil }
