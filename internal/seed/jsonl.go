package seed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ParseJSONL decodes a JSON Lines seed stream: one object per line, each
// with a "kind" of user, project, task or channel and that kind's keys.
// Blank lines are skipped. Unknown kinds and keys are an error.
//
// Example:
//
//	{"kind":"user","id":"alice","name":"Alice Martin"}
//	{"kind":"task","title":"Draft press release","assignee":"alice","due":"2024-03-04T17:00:00Z"}
func ParseJSONL(r io.Reader) (*File, error) {
	var f File
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := decodeLine(&f, line); err != nil {
			return nil, fmt.Errorf("failed to parse seed line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed lines: %w", err)
	}
	return &f, nil
}

func decodeLine(f *File, line []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return err
	}
	var kind string
	if raw, ok := fields["kind"]; !ok {
		return fmt.Errorf("missing kind")
	} else if err := json.Unmarshal(raw, &kind); err != nil {
		return fmt.Errorf("invalid kind: %w", err)
	}
	delete(fields, "kind")

	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()

	switch kind {
	case "user":
		var u User
		err = dec.Decode(&u)
		f.Users = append(f.Users, u)
	case "project":
		var p Project
		err = dec.Decode(&p)
		f.Projects = append(f.Projects, p)
	case "task":
		var t Task
		err = dec.Decode(&t)
		f.Tasks = append(f.Tasks, t)
	case "channel":
		var c Channel
		err = dec.Decode(&c)
		f.Channels = append(f.Channels, c)
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return err
}

// LoadFile reads a seed file, picking the format from its extension:
// .jsonl and .ndjson are JSON Lines, anything else is TOML.
func LoadFile(path string) (*File, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		// #nosec G304 - path comes from the command line
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open seed file: %w", err)
		}
		defer file.Close()
		return ParseJSONL(file)
	default:
		return Load(path)
	}
}
