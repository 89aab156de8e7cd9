package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleJSONL = `{"kind":"user","id":"alice","name":"Alice Martin","role":"designer"}
{"kind":"user","name":"Bob Stone"}

{"kind":"project","id":"launch","name":"Launch"}
{"kind":"task","title":"Draft press release","status":"doing","priority":2,"assignee":"alice martin","project":"Launch","due":"2024-03-04T17:00:00Z","notes":["coordinate with legal"],"sections":[{"heading":"Outline","content":"intro, quotes, boilerplate"}]}
{"kind":"task","title":"Book venue","assignee":"Bob Stone"}
{"kind":"task","title":"Order badges"}
{"kind":"channel","name":"launch-room","project":"launch","members":["alice","Bob Stone"]}
{"kind":"channel","type":"direct","members":["Bob Stone","alice"]}
`

func TestParseJSONLMatchesTOML(t *testing.T) {
	fromJSONL, err := ParseJSONL(strings.NewReader(sampleJSONL))
	if err != nil {
		t.Fatalf("ParseJSONL failed: %v", err)
	}
	fromTOML, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if diff := cmp.Diff(fromTOML, fromJSONL); diff != "" {
		t.Errorf("JSONL and TOML documents differ (-toml +jsonl):\n%s", diff)
	}
}

func TestJSONLSeedsSameRowsAsTOML(t *testing.T) {
	fromJSONL, err := ParseJSONL(strings.NewReader(sampleJSONL))
	if err != nil {
		t.Fatalf("ParseJSONL failed: %v", err)
	}
	fromTOML, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	a := newBackend()
	if _, err := Apply(context.Background(), a, fromJSONL); err != nil {
		t.Fatalf("Apply(jsonl) failed: %v", err)
	}
	res, err := Apply(context.Background(), a, fromTOML)
	if err != nil {
		t.Fatalf("Apply(toml) failed: %v", err)
	}
	if want := (Result{Skipped: 12}); res != want {
		t.Errorf("Apply(toml) after jsonl = %+v, want %+v", res, want)
	}
}

func TestParseJSONLErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing kind", `{"name":"x"}`, "line 1: missing kind"},
		{"unknown kind", "\n" + `{"kind":"sprint"}`, `line 2: unknown kind "sprint"`},
		{"unknown key", `{"kind":"task","titel":"typo"}`, "titel"},
		{"not json", `kind = "task"`, "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSONL(strings.NewReader(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseJSONL() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadFilePicksFormat(t *testing.T) {
	dir := t.TempDir()
	jsonl := filepath.Join(dir, "seed.jsonl")
	toml := filepath.Join(dir, "seed.toml")
	if err := os.WriteFile(jsonl, []byte(sampleJSONL), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", jsonl, err)
	}
	if err := os.WriteFile(toml, []byte(sample), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", toml, err)
	}

	for _, path := range []string{jsonl, toml} {
		f, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile(%s) failed: %v", filepath.Base(path), err)
		}
		if len(f.Users) != 2 || len(f.Tasks) != 3 || len(f.Channels) != 2 {
			t.Errorf("LoadFile(%s) = %+v", filepath.Base(path), f)
		}
	}
}
