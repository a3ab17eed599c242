package wire

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
)

// ValidatePayload walks an arbitrary Go value (as supplied by user code
// to call/cast/cast-reply handlers) and rejects anything that isn't one
// of the supported wire value types: strings, finite numbers, booleans,
// nil, ordered slices, string-keyed maps, byte slices, and time.Time
// timestamps. Functions, channels and cyclic graphs fail with a
// serialization error (spec.md §4.1).
func ValidatePayload(v interface{}) error {
	return validate(reflect.ValueOf(v), map[uintptr]bool{})
}

func validate(v reflect.Value, seen map[uintptr]bool) error {
	if !v.IsValid() {
		return nil // untyped nil
	}
	switch v.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("non-finite number %v", f))
		}
		return nil
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("unsupported value kind %s", v.Kind()))
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Ptr {
			ptr := v.Pointer()
			if seen[ptr] {
				return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("cyclic reference detected"))
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return validate(v.Elem(), seen)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil // byte buffer
		}
		if v.Kind() == reflect.Slice && !v.IsNil() {
			ptr := v.Pointer()
			if seen[ptr] {
				return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("cyclic reference detected"))
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		for i := 0; i < v.Len(); i++ {
			if err := validate(v.Index(i), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("map keys must be strings, got %s", v.Type().Key()))
		}
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if seen[ptr] {
			return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("cyclic reference detected"))
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		iter := v.MapRange()
		for iter.Next() {
			if err := validate(iter.Value(), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		if v.Type() == reflect.TypeOf(time.Time{}) {
			return nil
		}
		return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("opaque struct type %s not supported on the wire", v.Type()))
	default:
		return errs.NewSerializationError(errs.PhaseSerialize, fmt.Errorf("unsupported value kind %s", v.Kind()))
	}
}
