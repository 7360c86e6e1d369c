// Copyright 2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package evaluator

import (
	"fmt"
	"reflect"
)

const (
	defaultMaxBindingDepth   = 5
	defaultMaxCollectionSize = 1000
	defaultMaxStringLength   = 4096
)

// plainer converts live values into data made only of nil, bool, numbers,
// strings, []any and map[string]any, which the expression engine can encode.
// Structs become maps of their fields. Reference cycles and values nested
// deeper than maxDepth are cut off with nil. Collections keep at most
// maxCollection elements and strings at most maxString bytes.
type plainer struct {
	maxDepth      int
	maxCollection int
	maxString     int
	// pointers on the current path
	onPath map[uintptr]struct{}
}

func newPlainer(maxDepth, maxCollection, maxString int) *plainer {
	if maxDepth <= 0 {
		maxDepth = defaultMaxBindingDepth
	}
	if maxCollection <= 0 {
		maxCollection = defaultMaxCollectionSize
	}
	if maxString <= 0 {
		maxString = defaultMaxStringLength
	}
	return &plainer{
		maxDepth:      maxDepth,
		maxCollection: maxCollection,
		maxString:     maxString,
		onPath:        map[uintptr]struct{}{},
	}
}

// bindings converts the bindings named in refs. A nil refs converts all of
// them.
func (p *plainer) bindings(in map[string]any, refs map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if refs != nil {
			if _, ok := refs[k]; !ok {
				continue
			}
		}
		out[k] = p.value(reflect.ValueOf(v), 0)
	}
	return out
}

func (p *plainer) str(s string) string {
	if len(s) > p.maxString {
		return s[:p.maxString]
	}
	return s
}

func (p *plainer) value(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.String:
		return p.str(v.String())
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return nil
		}
		return v.Type().String()
	}

	if depth >= p.maxDepth {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return p.value(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := p.onPath[ptr]; ok {
			return nil
		}
		p.onPath[ptr] = struct{}{}
		defer delete(p.onPath, ptr)
		return p.value(v.Elem(), depth)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := v.Bytes()
			if len(b) > p.maxString {
				b = b[:p.maxString]
			}
			return string(b)
		}
		fallthrough
	case reflect.Array:
		out := make([]any, min(v.Len(), p.maxCollection))
		for i := range out {
			out[i] = p.value(v.Index(i), depth+1)
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := p.onPath[ptr]; ok {
			return nil
		}
		p.onPath[ptr] = struct{}{}
		defer delete(p.onPath, ptr)

		out := make(map[string]any, min(v.Len(), p.maxCollection))
		iter := v.MapRange()
		for n := 0; n < p.maxCollection && iter.Next(); n++ {
			out[mapKey(iter.Key())] = p.value(iter.Value(), depth+1)
		}
		return out
	case reflect.Struct:
		t := v.Type()
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Name == "_" {
				continue
			}
			out[f.Name] = p.value(v.Field(i), depth+1)
		}
		return out
	}
	return nil
}

func mapKey(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Interface, reflect.Pointer:
		if k.IsNil() {
			return "<nil>"
		}
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return k.String()
}
