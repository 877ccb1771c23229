package log

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/metacubex/ipowd/common/observable"
	"github.com/metacubex/ipowd/common/pool"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logCh  = make(chan Event, 256)
	source = observable.NewObservable[Event](logCh)
	level  = INFO
)

// Fields are attached to an event and rendered as key=value pairs.
type Fields map[string]any

type logFormatter struct{}

func (f *logFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = pool.GetBuffer()
		defer pool.PutBuffer(b)
	}

	b.WriteString(entry.Time.Format("2006/01/02 15:04:05"))
	fmt.Fprintf(b, " |%.4s| ", entry.Level)
	b.WriteString(entry.Message)

	keys := lo.Keys(entry.Data)
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, " %s=%v", key, entry.Data[key])
	}

	b.WriteByte('\n')
	return bytes.Clone(b.Bytes()), nil
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
	log.SetFormatter(&logFormatter{})
}

type Event struct {
	LogLevel LogLevel
	Payload  string
	Fields   Fields
}

func (e *Event) Type() string {
	return e.LogLevel.String()
}

// Entry carries fields for a single structured log call.
type Entry struct {
	fields Fields
}

func WithFields(fields Fields) *Entry {
	return &Entry{fields: fields}
}

func (e *Entry) Infoln(format string, v ...any) {
	emit(INFO, e.fields, format, v...)
}

func (e *Entry) Warnln(format string, v ...any) {
	emit(WARNING, e.fields, format, v...)
}

func (e *Entry) Errorln(format string, v ...any) {
	emit(ERROR, e.fields, format, v...)
}

func (e *Entry) Debugln(format string, v ...any) {
	emit(DEBUG, e.fields, format, v...)
}

func Infoln(format string, v ...any) {
	emit(INFO, nil, format, v...)
}

func Warnln(format string, v ...any) {
	emit(WARNING, nil, format, v...)
}

func Errorln(format string, v ...any) {
	emit(ERROR, nil, format, v...)
}

func Debugln(format string, v ...any) {
	emit(DEBUG, nil, format, v...)
}

func Fatalln(format string, v ...any) {
	log.Fatalf(format, v...)
}

func Subscribe() observable.Subscription[Event] {
	sub, _ := source.Subscribe()
	return sub
}

func UnSubscribe(sub observable.Subscription[Event]) {
	source.UnSubscribe(sub)
}

func Level() LogLevel {
	return level
}

func SetLevel(newLevel LogLevel) {
	level = newLevel
}

// SetOutput redirects log lines to a rotating file. An empty name keeps stdout.
func SetOutput(file string, maxSize, maxBackups, maxAge int, compress bool) {
	if file != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize, // megabytes
			MaxBackups: maxBackups,
			MaxAge:     maxAge,   //days
			Compress:   compress, // disabled by default
		})
	}
}

func emit(logLevel LogLevel, fields Fields, format string, v ...any) {
	event := newLog(logLevel, fields, format, v...)
	// the forwarding loop logs from its hot path, subscribers must not stall it
	select {
	case logCh <- event:
	default:
	}
	print(event)
}

func print(data Event) {
	if data.LogLevel < level {
		return
	}

	entry := log.NewEntry(log.StandardLogger())
	if len(data.Fields) != 0 {
		entry = entry.WithFields(log.Fields(data.Fields))
	}

	switch data.LogLevel {
	case INFO:
		entry.Infoln(data.Payload)
	case WARNING:
		entry.Warnln(data.Payload)
	case ERROR:
		entry.Errorln(data.Payload)
	case DEBUG:
		entry.Debugln(data.Payload)
	}
}

func newLog(logLevel LogLevel, fields Fields, format string, v ...any) Event {
	return Event{
		LogLevel: logLevel,
		Payload:  fmt.Sprintf(format, v...),
		Fields:   fields,
	}
}
