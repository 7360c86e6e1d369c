// Copyright 2022 The Parca Authors
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

package template

import (
	// Enable go:embed.
	_ "embed"
	"html/template"
	"sort"
	"time"
)

//go:embed statuspage.html
var StatusPageTemplateBytes []byte

var StatusPageTemplate = template.Must(template.New("statuspage").Funcs(template.FuncMap{
	"sortedArgs": sortedArgs,
}).Parse(string(StatusPageTemplateBytes)))

type Arg struct {
	Key, Value string
}

func sortedArgs(args map[string]string) []Arg {
	out := make([]Arg, 0, len(args))
	for k, v := range args {
		out = append(out, Arg{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type Tracepoint struct {
	ID       string
	Path     string
	Line     int
	Args     map[string]string
	Fires    uint64
	LastFire time.Duration
	// SnapshotLink is empty while no snapshot was taken.
	SnapshotLink string
	SnapshotAge  time.Duration
}

type StatusPage struct {
	ServiceName string
	Source      string
	Hash        string
	LastPollAgo time.Duration
	Tracepoints []Tracepoint
}
