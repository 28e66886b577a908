package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestResolveDirFlag(t *testing.T) {
	got, err := ResolveDir("/tmp/mylog")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/mylog" {
		t.Errorf("got %q, want /tmp/mylog", got)
	}
}

func TestResolveDirFlagRelative(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(wd, "logs")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv("VIDSCRIBE_LOG_PATH", "/tmp/vidscribe-env-log")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/tmp/vidscribe-env-log" {
		t.Errorf("got %q, want /tmp/vidscribe-env-log", got)
	}
}

func TestDefaultDir(t *testing.T) {
	home := func() (string, error) { return "/home/ana", nil }
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}
	tests := []struct {
		goos string
		env  map[string]string
		want string
	}{
		{"linux", nil, "/home/ana/.local/state/vidscribe/logs"},
		{"linux", map[string]string{"XDG_STATE_HOME": "/state"}, "/state/vidscribe/logs"},
		{"darwin", nil, "/home/ana/Library/Logs/vidscribe"},
		{"windows", map[string]string{"LOCALAPPDATA": "/appdata"}, filepath.Join("/appdata", "vidscribe", "logs")},
	}
	for _, tt := range tests {
		got, err := defaultDir(tt.goos, env(tt.env), home)
		if err != nil {
			t.Fatalf("%s: %v", tt.goos, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.goos, got, tt.want)
		}
	}

	if _, err := defaultDir("windows", env(nil), home); err == nil {
		t.Error("windows without LOCALAPPDATA should fail")
	}
}

func TestOpenCreatesFiles(t *testing.T) {
	tmp := t.TempDir()
	f, err := Open(tmp, zerolog.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	for _, name := range []string{"diagnostics_log.txt", "transcribe_log.txt"} {
		path := filepath.Join(tmp, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestTranscriptionText(t *testing.T) {
	tmp := t.TempDir()
	f, err := Open(tmp, zerolog.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	f.TranscriptionText("hello team")

	data, err := os.ReadFile(filepath.Join(tmp, "transcribe_log.txt"))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "hello team") {
		t.Errorf("transcribe_log.txt missing text, got: %q", line)
	}
	// format: "2006-01-02 15:04:05\t[pid]\ttext\n"
	if strings.Count(line, "\t") != 2 {
		t.Errorf("expected tab-separated format, got: %q", line)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f, err := Open(t.TempDir(), zerolog.InfoLevel)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	f.Close() // should not panic
	f.TranscriptionText("after close")
}

func TestComponentTag(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.DebugLevel).Component("detector")
	l.Infof("scan added=%d", 2)

	out := buf.String()
	if !strings.Contains(out, "component=detector") {
		t.Errorf("missing component field: %q", out)
	}
	if !strings.Contains(out, "scan added=2") {
		t.Errorf("missing message: %q", out)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, zerolog.WarnLevel)
	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}
