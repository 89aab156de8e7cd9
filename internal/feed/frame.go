package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/schema"
)

// Encoding selects the frame codec.
type Encoding string

const (
	// EncodingJSON sends text frames.
	EncodingJSON Encoding = "json"

	// EncodingMsgpack sends binary frames.
	EncodingMsgpack Encoding = "msgpack"
)

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	return e == EncodingJSON || e == EncodingMsgpack
}

// Frame is one change on the wire.
type Frame struct {
	Kind string         `json:"kind" msgpack:"kind"`
	Op   string         `json:"op" msgpack:"op"`
	Row  map[string]any `json:"row,omitempty" msgpack:"row,omitempty"`
	Old  map[string]any `json:"old,omitempty" msgpack:"old,omitempty"`
	At   time.Time      `json:"at" msgpack:"at"`
}

// EncodeEvent renders e in the given encoding.
func EncodeEvent(enc Encoding, e remote.Event) (websocket.MessageType, []byte, error) {
	f := Frame{Kind: string(e.Kind), Op: string(e.Op), Row: e.Row, Old: e.Old, At: e.At}
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	switch enc {
	case EncodingMsgpack:
		data, err := msgpack.Marshal(&f)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		return websocket.MessageBinary, data, nil
	default:
		data, err := json.Marshal(&f)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		return websocket.MessageText, data, nil
	}
}

// DecodeEvent parses a frame; the message type picks the codec. Column values
// are normalized so that events look the same whichever codec carried them:
// timestamps become time.Time and whole numbers outside JSON columns int64.
func DecodeEvent(typ websocket.MessageType, data []byte) (remote.Event, error) {
	var f Frame
	switch typ {
	case websocket.MessageBinary:
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(&f); err != nil {
			return remote.Event{}, fmt.Errorf("failed to decode frame: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return remote.Event{}, fmt.Errorf("failed to decode frame: %w", err)
		}
	}

	kind := remote.Kind(f.Kind)
	t, err := remote.Lookup(kind)
	if err != nil {
		return remote.Event{}, err
	}
	op := remote.Op(f.Op)
	if !op.Valid() {
		return remote.Event{}, fmt.Errorf("unknown op %q", f.Op)
	}
	return remote.Event{
		Kind: kind,
		Op:   op,
		Row:  normalizeRow(t, f.Row),
		Old:  normalizeRow(t, f.Old),
		At:   f.At.UTC(),
	}, nil
}

func normalizeRow(t *remote.Table, raw map[string]any) remote.Row {
	if raw == nil {
		return nil
	}
	row := make(remote.Row, len(raw))
	for col, v := range raw {
		row[col] = normalize(t, col, v)
	}
	return row
}

func normalize(t *remote.Table, col string, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC()
	case string:
		if t.Times[col] {
			if parsed, err := schema.ParseTime(x); err == nil {
				return parsed.UTC()
			}
		}
		return x
	case float64:
		if !t.JSON[col] && x == float64(int64(x)) {
			return int64(x)
		}
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	}
	return v
}
