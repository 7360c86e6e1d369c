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

// Package plugin provides decorators that add attributes about the running
// program to every snapshot.
package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/common/model"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

// StatelessPlugin computes its attributes on every hit.
type StatelessPlugin struct {
	name      string
	labelFunc func(hc snapshot.HitContext) (model.LabelSet, error)
}

var _ snapshot.Decorator = (*StatelessPlugin)(nil)

func (p *StatelessPlugin) Name() string {
	return p.name
}

func (p *StatelessPlugin) Decorate(hc snapshot.HitContext) (map[string]string, error) {
	ls, err := p.labelFunc(hc)
	if err != nil {
		return nil, err
	}
	return toAttributes(ls), nil
}

// StaticPlugin computes its attributes once, on first use.
type StaticPlugin struct {
	name      string
	labelFunc func() (model.LabelSet, error)

	once   *sync.Once
	labels map[string]string
	err    error
}

var _ snapshot.Decorator = (*StaticPlugin)(nil)

func (p *StaticPlugin) Name() string {
	return p.name
}

func (p *StaticPlugin) Decorate(snapshot.HitContext) (map[string]string, error) {
	p.once.Do(func() {
		ls, err := p.labelFunc()
		if err != nil {
			p.err = fmt.Errorf("%s: %w", p.name, err)
			return
		}
		p.labels = toAttributes(ls)
	})
	return p.labels, p.err
}

func newStatic(name string, f func() (model.LabelSet, error)) *StaticPlugin {
	return &StaticPlugin{name: name, labelFunc: f, once: &sync.Once{}}
}

func toAttributes(ls model.LabelSet) map[string]string {
	out := make(map[string]string, len(ls))
	for k, v := range ls {
		out[string(k)] = string(v)
	}
	return out
}

// Attributes returns a plugin adding fixed attributes.
func Attributes(attrs map[string]string) snapshot.Decorator {
	ls := make(model.LabelSet, len(attrs))
	for k, v := range attrs {
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	return newStatic("attributes", func() (model.LabelSet, error) {
		return ls, nil
	})
}

var builtin = map[string]func() snapshot.Decorator{
	"go":      func() snapshot.Decorator { return Go() },
	"process": func() snapshot.Decorator { return Process() },
	"host":    func() snapshot.Decorator { return Host() },
	"otel":    func() snapshot.Decorator { return OTel() },
}

// Names lists the builtin plugins.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load returns the builtin plugins with the given names, in order.
func Load(names ...string) ([]snapshot.Decorator, error) {
	out := make([]snapshot.Decorator, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, ok := builtin[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q, available: %s", name, strings.Join(Names(), ", "))
		}
		out = append(out, p())
	}
	return out, nil
}
