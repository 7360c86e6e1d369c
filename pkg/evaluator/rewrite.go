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

import "strings"

const (
	// Receiver is the binding name of the object a hit happened on.
	Receiver = "this"

	receiverInternal = "$this"
)

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// rewriteReceiver replaces standalone uses of the receiver identifier with
// its internal name. Longer identifiers containing it, field selections
// such as x.this and string literals are left untouched.
func rewriteReceiver(src string) string {
	if !strings.Contains(src, Receiver) {
		return src
	}

	var (
		b     strings.Builder
		quote byte
	)
	b.Grow(len(src) + 4)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(src) {
					i++
					b.WriteByte(src[i])
				}
			case quote:
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			b.WriteByte(c)
			continue
		}
		if strings.HasPrefix(src[i:], Receiver) &&
			(i == 0 || (!isIdentByte(src[i-1]) && src[i-1] != '.')) &&
			(i+len(Receiver) == len(src) || !isIdentByte(src[i+len(Receiver)])) {
			b.WriteString(receiverInternal)
			i += len(Receiver) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// restoreReceiver maps the internal name back in engine output.
func restoreReceiver(s string) string {
	return strings.ReplaceAll(s, receiverInternal, Receiver)
}

func rewriteBindings(bindings map[string]any) map[string]any {
	if _, ok := bindings[Receiver]; !ok {
		return bindings
	}
	out := make(map[string]any, len(bindings))
	for k, v := range bindings {
		if k == Receiver {
			k = receiverInternal
		}
		out[k] = v
	}
	return out
}
