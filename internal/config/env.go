package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
)

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} in every string field reachable from v.
// Unset variables are reported so a typo does not silently become "".
func expandEnv(v any, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var missing []string
	walkStrings(reflect.ValueOf(v), func(s string) string {
		return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
			name := envRefRe.FindStringSubmatch(ref)[1]
			val, ok := lookup(name)
			if !ok {
				missing = append(missing, name)
			}
			return val
		})
	})
	if len(missing) > 0 {
		return fmt.Errorf("config references unset environment variables: %v", missing)
	}
	return nil
}

func walkStrings(v reflect.Value, fn func(string) string) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			walkStrings(v.Elem(), fn)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				walkStrings(v.Field(i), fn)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkStrings(v.Index(i), fn)
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(fn(v.String()))
		}
	}
}
