// Package validator checks constructor dependencies so components fail fast
// on incomplete wiring instead of panicking later.
package validator

import (
	"fmt"
	"reflect"
)

// Validate returns an error when any dep is nil, a nil pointer/interface, or
// a zero value (empty string, empty config, ...).
func Validate(name string, deps ...any) error {
	for _, dep := range deps {
		if dep == nil {
			return fmt.Errorf("missing required deps for component: %s", name)
		}

		v := reflect.ValueOf(dep)
		switch v.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			if v.IsNil() {
				return fmt.Errorf("missing required deps for component: %s", name)
			}
		default:
			if v.IsZero() {
				return fmt.Errorf("missing required deps for component: %s", name)
			}
		}
	}

	return nil
}
