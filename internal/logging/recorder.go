package logging

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Entry is one captured log line.
type Entry struct {
	Level         int
	Message       string
	Error         error
	KeysAndValues []interface{}
}

// Value returns the value logged for key, if any.
func (e Entry) Value(key string) (interface{}, bool) {
	for i := 0; i+1 < len(e.KeysAndValues); i += 2 {
		if k, ok := e.KeysAndValues[i].(string); ok && k == key {
			return e.KeysAndValues[i+1], true
		}
	}
	return nil, false
}

// Recorder captures log lines written through its Logger.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Logger returns a logger writing into the recorder. Verbosity is not filtered.
func (r *Recorder) Logger() logr.Logger {
	return logr.New(&recordingSink{recorder: r})
}

// Entries returns a copy of the captured lines.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Messages returns the captured messages in order.
func (r *Recorder) Messages() []string {
	var out []string
	for _, e := range r.Entries() {
		out = append(out, e.Message)
	}
	return out
}

// Events returns the transition event names captured in order.
func (r *Recorder) Events() []string {
	var out []string
	for _, e := range r.Entries() {
		if v, ok := e.Value("event"); ok {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type recordingSink struct {
	recorder *Recorder
	values   []interface{}
}

func (s *recordingSink) Init(logr.RuntimeInfo) {}

func (s *recordingSink) Enabled(int) bool { return true }

func (s *recordingSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.recorder.add(Entry{Level: level, Message: msg, KeysAndValues: s.merge(keysAndValues)})
}

func (s *recordingSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.recorder.add(Entry{Message: msg, Error: err, KeysAndValues: s.merge(keysAndValues)})
}

func (s *recordingSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	return &recordingSink{recorder: s.recorder, values: s.merge(keysAndValues)}
}

func (s *recordingSink) WithName(string) logr.LogSink {
	return s
}

func (s *recordingSink) merge(keysAndValues []interface{}) []interface{} {
	out := make([]interface{}, 0, len(s.values)+len(keysAndValues))
	out = append(out, s.values...)
	return append(out, keysAndValues...)
}
