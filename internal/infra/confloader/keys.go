package confloader

import (
	"reflect"
	"strings"
	"time"
)

// StructKeys lists the dotted koanf keys of every leaf field of v, which
// must be a struct or a pointer to one.
func StructKeys(v any) []string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	collectKeys(t, "", &keys)
	return keys
}

var durationType = reflect.TypeOf(time.Duration(0))

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		key := prefix + name

		ft := f.Type
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft != durationType {
			collectKeys(ft, key+".", keys)
			continue
		}
		*keys = append(*keys, key)
	}
}

// envKeyMap maps the underscore form of each key to the key itself:
// "persistence_snapshot_file" -> "persistence.snapshot_file".
func envKeyMap(keys []string) map[string]string {
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[strings.ReplaceAll(k, ".", "_")] = k
	}
	return m
}
