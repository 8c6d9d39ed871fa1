// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer output mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if got, want := strings.Join(tw.lines, ""), "no newline\n"; got != want {
		t.Errorf("Writer output = %q, want %q", got, want)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "queue %d: %s", 3, "full")

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	re := regexp.MustCompile(`^W0304 05:06:07\.000008 +\d+ log_test\.go:\d+\] queue 3: full\n$`)
	if !re.MatchString(tw.lines[0]) {
		t.Errorf("line %q does not match %v", tw.lines[0], re)
	}
}

type recordingEmitter struct {
	levels []Level
	msgs   []string
}

func (r *recordingEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevels(t *testing.T) {
	r := &recordingEmitter{}
	l := &BasicLogger{Emitter: r}
	l.SetLevel(Info)
	l.Debugf("dropped")
	l.Infof("info %d", 1)
	l.Warningf("warning %d", 2)

	if diff := cmp.Diff([]string{"info 1", "warning 2"}, r.msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if !l.IsLogging(Info) || l.IsLogging(Debug) {
		t.Errorf("IsLogging(Info, Debug) = (%t, %t), want (true, false)", l.IsLogging(Info), l.IsLogging(Debug))
	}
}

func TestRateLimitedLogger(t *testing.T) {
	r := &recordingEmitter{}
	l := &BasicLogger{Emitter: r}
	l.SetLevel(Debug)
	rl := RateLimitedLogger(l, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("message %d", i)
	}
	if diff := cmp.Diff([]string{"message 0"}, r.msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLoggerReportsDropped(t *testing.T) {
	r := &recordingEmitter{}
	l := &BasicLogger{Emitter: r}
	rl := RateLimitedLogger(l, time.Hour).(*rateLimitedLogger)
	for i := 0; i < 3; i++ {
		rl.Warningf("violation %d", i)
	}
	rl.limit.SetLimit(rate.Inf)
	rl.Warningf("violation %d", 3)
	rl.Warningf("violation %d", 4)
	want := []string{"violation 0", "violation 3 (2 similar messages dropped)", "violation 4"}
	if diff := cmp.Diff(want, r.msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

type callerEmitter struct {
	files []string
}

func (c *callerEmitter) Emit(depth int, _ Level, _ time.Time, _ string, _ ...any) {
	_, file, _, _ := runtime.Caller(depth + 1)
	c.files = append(c.files, filepath.Base(file))
}

func TestRateLimitedLoggerCaller(t *testing.T) {
	c := &callerEmitter{}
	l := &BasicLogger{Emitter: c}
	l.SetLevel(Debug)
	rl := RateLimitedLogger(l, time.Hour).(*rateLimitedLogger)
	rl.limit.SetLimit(rate.Inf)
	rl.Debugf("debug")
	rl.Infof("info")
	rl.Warningf("warning")
	l.Warningf("direct")
	want := []string{"log_test.go", "log_test.go", "log_test.go", "log_test.go"}
	if diff := cmp.Diff(want, c.files); diff != "" {
		t.Errorf("caller files mismatch (-want +got):\n%s", diff)
	}
}

func TestLevelString(t *testing.T) {
	for level, want := range map[Level]string{Warning: "Warning", Info: "Info", Debug: "Debug", Level(7): "Invalid level: 7"} {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", uint32(level), got, want)
		}
	}
}
