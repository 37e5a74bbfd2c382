package task

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Merge policies read from the `merge` struct tag.
const (
	// MergeReplace overwrites the field whenever the patch carries it, null included.
	MergeReplace = "replace"

	// MergeUnion adds patch elements to a slice or map field.
	MergeUnion = "union"
)

// mergePayload merges the JSON patch into dst field by field. Fields absent
// from the patch are left alone. Without a merge tag a field is replaced
// unless the patch value is null.
func mergePayload(dst interface{}, patch json.RawMessage) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("payload must be a struct, got %T", dst)
	}
	dv = dv.Elem()

	var present map[string]json.RawMessage
	if err := json.Unmarshal(patch, &present); err != nil {
		return fmt.Errorf("patch payload is not an object: %w", err)
	}

	incoming := reflect.New(dv.Type())
	if err := json.Unmarshal(patch, incoming.Interface()); err != nil {
		return fmt.Errorf("failed to decode patch payload: %w", err)
	}
	sv := incoming.Elem()

	t := dv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}
		raw, ok := lookup(present, name)
		if !ok {
			continue
		}

		switch f.Tag.Get("merge") {
		case MergeReplace:
			dv.Field(i).Set(sv.Field(i))
		case MergeUnion:
			if isNull(raw) {
				continue
			}
			union(dv.Field(i), sv.Field(i))
		default:
			if isNull(raw) {
				continue
			}
			dv.Field(i).Set(sv.Field(i))
		}
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return f.Name
	}
	return name
}

// lookup mirrors encoding/json, which matches keys case-insensitively.
func lookup(present map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if raw, ok := present[name]; ok {
		return raw, true
	}
	for k, raw := range present {
		if strings.EqualFold(k, name) {
			return raw, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func union(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Slice:
		out := dst
		for j := 0; j < src.Len(); j++ {
			item := src.Index(j)
			if !containsValue(out, item) {
				out = reflect.Append(out, item)
			}
		}
		dst.Set(out)
	case reflect.Map:
		if src.Len() == 0 {
			return
		}
		if dst.IsNil() {
			dst.Set(reflect.MakeMapWithSize(dst.Type(), src.Len()))
		}
		iter := src.MapRange()
		for iter.Next() {
			dst.SetMapIndex(iter.Key(), iter.Value())
		}
	default:
		dst.Set(src)
	}
}

func containsValue(slice, item reflect.Value) bool {
	for j := 0; j < slice.Len(); j++ {
		if reflect.DeepEqual(slice.Index(j).Interface(), item.Interface()) {
			return true
		}
	}
	return false
}
