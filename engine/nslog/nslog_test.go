package nslog

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestNSLog(t *testing.T) {
	var buf bytes.Buffer
	SetSource("nslog_test")
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(DebugLevel)

	if lv := ParseLevel("debug"); lv != DebugLevel {
		t.Fail()
	}
	if lv := ParseLevel("info"); lv != InfoLevel {
		t.Fail()
	}
	if lv := ParseLevel("warning"); lv != WarnLevel {
		t.Fail()
	}
	if lv := ParseLevel("error"); lv != ErrorLevel {
		t.Fail()
	}
	if lv := ParseLevel("panic"); lv != PanicLevel {
		t.Fail()
	}
	if lv := ParseLevel("fatal"); lv != FatalLevel {
		t.Fail()
	}

	Debugf("this is a debug %d", 1)
	SetLevel(InfoLevel)
	Debugf("SHOULD NOT SEE THIS!")
	Infof("this is an info %d", 2)
	With("pid", 3).Warnf("this is a warning %d", 3)
	func() {
		defer func() {
			_ = recover()
		}()
		Panicf("this is a panic %d", 4)
	}()
	SetLevel(DebugLevel)

	out := buf.String()
	if !strings.Contains(out, "this is a debug 1") {
		t.Errorf("debug line missing: %s", out)
	}
	if strings.Contains(out, "SHOULD NOT SEE THIS") {
		t.Errorf("debug line printed at info level")
	}
	if !strings.Contains(out, "nslog_test") {
		t.Errorf("source missing: %s", out)
	}
	if !strings.Contains(out, "this is a panic 4") {
		t.Errorf("panic line missing")
	}
}
