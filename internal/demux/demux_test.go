package demux

import (
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/runtime"

	"github.com/vforsh/argus/internal/logbuf"
)

func TestMapConsoleType(t *testing.T) {
	tests := []struct {
		in   runtime.APIType
		want logbuf.Level
	}{
		{runtime.APITypeLog, logbuf.LevelLog},
		{runtime.APITypeInfo, logbuf.LevelInfo},
		{runtime.APITypeWarning, logbuf.LevelWarning},
		{runtime.APITypeError, logbuf.LevelError},
		{runtime.APITypeDebug, logbuf.LevelDebug},
		{runtime.APITypeAssert, logbuf.LevelLog},
		{runtime.APITypeDir, logbuf.LevelLog},
		{runtime.APITypeTable, ""},
		{runtime.APITypeProfile, ""},
	}

	for _, tt := range tests {
		if got := mapConsoleType(tt.in); got != tt.want {
			t.Errorf("mapConsoleType(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStringifyArgPrefersValue(t *testing.T) {
	obj := &runtime.RemoteObject{
		Type:        runtime.TypeString,
		Value:       json.RawMessage(`"hello"`),
		Description: "should not be used",
	}
	if got := stringifyArg(obj); got != "hello" {
		t.Fatalf("stringifyArg = %q, want %q", got, "hello")
	}
}

func TestStringifyArgFallsBackToDescription(t *testing.T) {
	obj := &runtime.RemoteObject{
		Type:        runtime.TypeObject,
		Description: "Error: boom",
	}
	if got := stringifyArg(obj); got != "Error: boom" {
		t.Fatalf("stringifyArg = %q, want %q", got, "Error: boom")
	}
}

func TestStringifyArgFallsBackToType(t *testing.T) {
	obj := &runtime.RemoteObject{Type: runtime.TypeUndefined}
	if got := stringifyArg(obj); got != string(runtime.TypeUndefined) {
		t.Fatalf("stringifyArg = %q, want %q", got, runtime.TypeUndefined)
	}
}

func TestStringifyArgNil(t *testing.T) {
	if got := stringifyArg(nil); got != "" {
		t.Fatalf("stringifyArg(nil) = %q, want empty", got)
	}
}
