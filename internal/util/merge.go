package util

import "reflect"

// MergeNonZero overwrites fields of *def with non zero fields of *override.
// Nested structs are merged field by field.
func MergeNonZero(def, override interface{}) {
	mergeVal(reflect.ValueOf(def).Elem(), reflect.ValueOf(override).Elem())
}

func mergeVal(def, override reflect.Value) {
	for i, end := 0, def.NumField(); i < end; i++ {
		d, o := def.Field(i), override.Field(i)
		if !d.CanSet() {
			continue
		}
		if d.Kind() == reflect.Struct {
			mergeVal(d, o)
			continue
		}
		if !o.IsZero() {
			d.Set(o)
		}
	}
}
