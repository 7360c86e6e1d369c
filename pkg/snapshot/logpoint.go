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

package snapshot

import (
	"fmt"
	"strings"

	"github.com/parca-dev/deep-agent/pkg/evaluator"
)

// renderLog replaces every {expression} in msg with its value. Braces
// inside an expression nest. A placeholder that fails to evaluate renders
// as its error, an unterminated one is kept as text.
func renderLog(e evaluator.Evaluator, msg string, bindings map[string]any) string {
	if !strings.Contains(msg, "{") {
		return msg
	}

	var b strings.Builder
	for {
		start := strings.IndexByte(msg, '{')
		if start < 0 {
			b.WriteString(msg)
			return b.String()
		}
		end := closingBrace(msg, start)
		if end < 0 {
			b.WriteString(msg)
			return b.String()
		}

		b.WriteString(msg[:start])
		expr := strings.TrimSpace(msg[start+1 : end])
		v, err := e.EvaluateExpression(expr, bindings)
		if err != nil {
			fmt.Fprintf(&b, "<%s: %v>", expr, err)
		} else {
			fmt.Fprint(&b, v)
		}
		msg = msg[end+1:]
	}
}

func closingBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
