package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// TimeLayout is the canonical text encoding for timestamps. It sorts lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

var timeLayouts = []string{
	time.RFC3339Nano,
	TimeLayout,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses any of the timestamp encodings the remote stores produce.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var timeType = reflect.TypeOf(time.Time{})

func stringToTimeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != timeType {
		return data, nil
	}
	return ParseTime(data.(string))
}

// jsonTextHook unpacks collections that a store kept as JSON text.
func jsonTextHook(from, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice && to.Kind() != reflect.Map {
		return data, nil
	}
	var text string
	switch from.Kind() {
	case reflect.String:
		text = data.(string)
	case reflect.Slice:
		b, ok := data.([]byte)
		if !ok {
			return data, nil
		}
		text = string(b)
	default:
		return data, nil
	}
	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return reflect.Zero(to).Interface(), nil
	}
	if text[0] != '[' && text[0] != '{' {
		return data, nil
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("failed to unpack JSON column: %w", err)
	}
	return v, nil
}

// Decode maps row onto out, which must be a pointer to a struct.
//
// Keys absent from row leave the corresponding field untouched. Null values and
// empty strings clear the field.
func Decode(row map[string]any, out any) error {
	clean := make(map[string]any, len(row))
	for k, v := range row {
		if s, ok := v.(string); ok && s == "" {
			v = nil
		}
		clean[k] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonTextHook,
			stringToTimeHook,
		),
		TagName:          "json",
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(clean); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

type defaulter interface {
	SetDefaults()
}

// DecodeRow decodes a full row into a fresh value and applies its defaults.
func DecodeRow[T any](row map[string]any) (T, error) {
	var v T
	if err := Decode(row, &v); err != nil {
		return v, err
	}
	if d, ok := any(&v).(defaulter); ok {
		d.SetDefaults()
	}
	return v, nil
}

// DecodeRows decodes each row with DecodeRow.
func DecodeRows[T any](rows []map[string]any) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := DecodeRow[T](row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Patch applies a partial row onto a copy of v. Fields named in fields are
// overwritten; everything else keeps its current value.
func Patch[T any](v T, fields map[string]any) (T, error) {
	if err := Decode(fields, &v); err != nil {
		return v, err
	}
	if d, ok := any(&v).(defaulter); ok {
		d.SetDefaults()
	}
	return v, nil
}
