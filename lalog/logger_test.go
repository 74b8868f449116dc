package lalog

import (
	"errors"
	"strings"
	"testing"
)

func TestLogger_Format(t *testing.T) {
	logger := Logger{}
	if msg := logger.Format("", "", nil, "a"); msg != "a" {
		t.Fatal(msg)
	}
	if msg := logger.Format("", "", errors.New("test"), ""); msg != "Error \"test\"" {
		t.Fatal(msg)
	}
	if msg := logger.Format("", "", errors.New("test"), "a"); msg != "Error \"test\" - a" {
		t.Fatal(msg)
	}
	if msg := logger.Format("", "act", errors.New("test"), "a"); msg != "(act): Error \"test\" - a" {
		t.Fatal(msg)
	}
	if msg := logger.Format("fun", "act", errors.New("test"), "a"); msg != "fun(act): Error \"test\" - a" {
		t.Fatal(msg)
	}
	logger.ComponentID = []LoggerIDField{{"a", 1}, {"b", "c"}}
	if msg := logger.Format("fun", "act", errors.New("test"), "a"); msg != "[a=1;b=c].fun(act): Error \"test\" - a" {
		t.Fatal(msg)
	}
	logger.ComponentName = "comp"
	if msg := logger.Format("fun", "act", errors.New("test"), "a"); msg != "comp[a=1;b=c].fun(act): Error \"test\" - a" {
		t.Fatal(msg)
	}
	if msg := logger.Format("fun", "act", errors.New("test"), strings.Repeat("a", MaxLogMessageLen)); len(msg) != MaxLogMessageLen || !strings.Contains(msg, strings.Repeat("a", 500)) {
		t.Fatal(len(msg), msg)
	}
}

func TestLogger_Buffers(t *testing.T) {
	ClearDedupBuffers()
	LatestLogs.Clear()
	LatestWarnings.Clear()
	logger := Logger{ComponentName: "bufcheck"}
	logger.Info("first", nil, "message one")
	logger.Warning("second", errors.New("boom"), "message two")

	var sawInfo, sawWarning bool
	LatestLogs.IterateReverse(func(msg string) bool {
		if strings.Contains(msg, "message one") {
			sawInfo = true
		}
		if strings.Contains(msg, "message two") {
			sawWarning = true
		}
		return true
	})
	if !sawInfo || !sawWarning {
		t.Fatal(sawInfo, sawWarning)
	}
	sawWarning = false
	LatestWarnings.IterateReverse(func(msg string) bool {
		if strings.Contains(msg, "message two") {
			sawWarning = true
		}
		return true
	})
	if !sawWarning {
		t.Fatal("warning went missing")
	}
	// Identical info messages are de-duplicated rather than buffered twice
	before := NumDropped.Load()
	logger.Info("first", nil, "message one")
	if NumDropped.Load() != before+1 {
		t.Fatal(NumDropped.Load(), before)
	}
}

func TestLogger_Panic(t *testing.T) {
	defer func() {
		_ = recover()
	}()
	logger := Logger{}
	logger.Panic("", nil, "")
	t.Fatal("did not panic")
}

func TestTruncateString(t *testing.T) {
	if s := TruncateString("aaa", -1); s != "" {
		t.Fatal(s)
	}
	if s := TruncateString("aaa", 0); s != "" {
		t.Fatal(s)
	}
	if s := TruncateString("aaa", 3); s != "aaa" {
		t.Fatal(s)
	}
	if s := TruncateString(strings.Repeat("a", 200), 100); len(s) != 100 || !strings.Contains(s, truncatedLabel) {
		t.Fatal(len(s), s)
	}
}

func TestLintString(t *testing.T) {
	if s := LintString("", 0); s != "" {
		t.Fatal(s)
	}
	if s := LintString("abc", 2); s != "ab" {
		t.Fatal(s)
	}
	if s := LintString("a\x01b\ncß", 100); s != "a_b\nc_" {
		t.Fatal(s)
	}
}

func TestByteArrayLogString(t *testing.T) {
	if s := ByteArrayLogString([]byte("hello there")); s != "hello there" {
		t.Fatal(s)
	}
	if s := ByteArrayLogString([]byte{0, 1, 2, 3}); !strings.HasPrefix(s, "[]byte") {
		t.Fatal(s)
	}
}
