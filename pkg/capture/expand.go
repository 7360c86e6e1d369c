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

package capture

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// identity of a reference value. Values without identity are never
// deduplicated.
type identity struct {
	typ  reflect.Type
	addr uintptr
	len  int
}

// indirect follows interfaces and pointers down to the first value that is
// neither. It reports the identity of the outermost reference it passed.
func indirect(v reflect.Value) (reflect.Value, *identity) {
	var id *identity
	for v.IsValid() {
		switch v.Kind() {
		case reflect.Interface:
			if v.IsNil() {
				return v, id
			}
			v = v.Elem()
		case reflect.Pointer:
			if v.IsNil() {
				return v, id
			}
			if id == nil {
				id = &identity{typ: v.Type(), addr: v.Pointer()}
			}
			v = v.Elem()
		default:
			if id == nil {
				id = refIdentity(v)
			}
			return v, id
		}
	}
	return v, id
}

func refIdentity(v reflect.Value) *identity {
	switch v.Kind() {
	case reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return nil
		}
		return &identity{typ: v.Type(), addr: v.Pointer()}
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		return &identity{typ: v.Type(), addr: v.Pointer(), len: v.Len()}
	}
	return nil
}

// typeName is the static type of the value as declared, or the dynamic type
// behind an interface.
func typeName(v reflect.Value) string {
	if !v.IsValid() {
		return "nil"
	}
	if v.Kind() == reflect.Interface && !v.IsNil() {
		return v.Elem().Type().String()
	}
	return v.Type().String()
}

// render formats v without calling any of its methods.
func render(v reflect.Value, maxString int) (s string, truncated bool) { //nolint:nonamedreturns
	if !v.IsValid() {
		return "nil", false
	}
	switch v.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), false
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), false
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10), false
	case reflect.Float32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32), false
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64), false
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(v.Complex(), 'g', -1, 128), false
	case reflect.String:
		return truncate(v.String(), maxString)
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return "nil", false
		}
	case reflect.Map:
		if v.IsNil() {
			return "nil", false
		}
		return fmt.Sprintf("len=%d", v.Len()), false
	case reflect.Slice:
		if v.IsNil() {
			return "nil", false
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return truncate(string(v.Bytes()), maxString)
		}
		return fmt.Sprintf("len=%d cap=%d", v.Len(), v.Cap()), false
	case reflect.Array:
		return fmt.Sprintf("len=%d", v.Len()), false
	case reflect.Chan:
		if v.IsNil() {
			return "nil", false
		}
		return fmt.Sprintf("0x%x len=%d cap=%d", v.Pointer(), v.Len(), v.Cap()), false
	case reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return "nil", false
		}
		return fmt.Sprintf("0x%x", v.Pointer()), false
	case reflect.Struct:
		return v.Type().String(), false
	}
	return v.Type().String(), false
}

func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	// Do not split a rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}

// expandable reports whether v has children an Expander would produce.
func expandable(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Struct:
		return v.NumField() > 0
	case reflect.Map, reflect.Array:
		return v.Len() > 0
	case reflect.Slice:
		return v.Len() > 0 && v.Type().Elem().Kind() != reflect.Uint8
	}
	return false
}

// Expander produces the children of an indirected value. truncated reports
// that not every child was returned.
type Expander func(v reflect.Value, limits Limits) (children []*Node, truncated bool)

// Expand is the reflection based Expander. Struct fields come in declaration
// order, map entries sorted by their rendered key and collections are capped
// at MaxCollectionSize.
func Expand(v reflect.Value, limits Limits) ([]*Node, bool) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		children := make([]*Node, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Name == "_" {
				continue
			}
			var mods []string
			if !f.IsExported() {
				mods = append(mods, ModifierUnexported)
			}
			if f.Anonymous {
				mods = append(mods, ModifierEmbedded)
			}
			children = append(children, NewNode(f.Name, v.Field(i), mods...))
		}
		return children, false
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil, false
		}
		fallthrough
	case reflect.Array:
		n, truncated := capped(v.Len(), limits.MaxCollectionSize)
		children := make([]*Node, 0, n)
		for i := 0; i < n; i++ {
			children = append(children, NewNode(strconv.Itoa(i), v.Index(i)))
		}
		return children, truncated
	case reflect.Map:
		type kv struct {
			key string
			val reflect.Value
		}
		entries := make([]kv, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, _ := indirect(iter.Key())
			k, _ := render(key, limits.MaxStringLength)
			entries = append(entries, kv{key: k, val: iter.Value()})
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

		n, truncated := capped(len(entries), limits.MaxCollectionSize)
		children := make([]*Node, 0, n)
		for _, e := range entries[:n] {
			children = append(children, NewNode(e.key, e.val))
		}
		return children, truncated
	}
	return nil, false
}

func capped(n, limit int) (int, bool) {
	if limit > 0 && n > limit {
		return limit, true
	}
	return n, false
}
