// Copyright 2022-2024 The Parca Authors
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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    *Config
		wantErr bool
	}{
		{
			name:    "empty",
			input:   ``,
			wantErr: true,
		},
		{
			name:  "comment",
			input: `# comment`,
			want:  &Config{},
		},
		{
			name:  "no tracepoints",
			input: `tracepoints: []`,
			want:  &Config{Tracepoints: []Tracepoint{}},
		},
		{
			name: "tracepoints",
			input: `tracepoints:
- id: checkout
  path: shop/checkout.go
  line: 42
  args:
    condition: total > 100
    fire_count: "5"
  watches:
  - cart.Items
- id: login
  path: auth/login.go
  line: 7
`,
			want: &Config{
				Tracepoints: []Tracepoint{
					{
						ID:      "checkout",
						Path:    "shop/checkout.go",
						Line:    42,
						Args:    map[string]string{"condition": "total > 100", "fire_count": "5"},
						Watches: []string{"cart.Items"},
					},
					{ID: "login", Path: "auth/login.go", Line: 7},
				},
			},
		},
		{
			name: "unknown field",
			input: `tracepoints:
- id: a
  path: a.go
  line: 1
  condition: x
`,
			wantErr: true,
		},
		{
			name: "duplicate id",
			input: `tracepoints:
- {id: a, path: a.go, line: 1}
- {id: a, path: b.go, line: 2}
`,
			wantErr: true,
		},
		{
			name:    "missing location",
			input:   `tracepoints: [{id: a}]`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			input:   `{`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Load([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTracepointConfigs(t *testing.T) {
	t.Parallel()

	cfg, err := Load([]byte(`tracepoints:
- id: a
  path: a.go
  line: 1
  args: {fire_count: "3", frame_type: all_frame}
- id: b
  path: b.go
  line: 2
  args: {fire_period: soon}
`))
	require.NoError(t, err)

	cfgs, h, err := cfg.TracepointConfigs()
	require.ErrorContains(t, err, "fire_period")
	require.Len(t, cfgs, 2)
	require.NotEmpty(t, h)

	require.Equal(t, int64(3), cfgs[0].FireCount)
	require.Equal(t, tracepoint.FrameAll, cfgs[0].FrameType)
	require.Equal(t, int64(tracepoint.DefaultFirePeriod), cfgs[1].FirePeriod)

	again, h2, _ := cfg.TracepointConfigs()
	require.Len(t, again, 2)
	require.Equal(t, h, h2)
}
