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

package plugin

import (
	"runtime"
	"strconv"

	"github.com/prometheus/common/model"

	"github.com/parca-dev/deep-agent/pkg/buildinfo"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

// Go reports the Go runtime the program runs on.
func Go() *StatelessPlugin {
	static := model.LabelSet{
		"go_version": model.LabelValue(runtime.Version()),
		"go_os":      model.LabelValue(runtime.GOOS),
		"go_arch":    model.LabelValue(runtime.GOARCH),
	}
	if bi, err := buildinfo.FetchBuildInfo(); err == nil {
		if bi.Module != "" {
			static["go_module"] = model.LabelValue(bi.Module)
		}
		if bi.VcsRevision != "" {
			static["vcs_revision"] = model.LabelValue(bi.VcsRevision)
		}
	}

	return &StatelessPlugin{"go", func(snapshot.HitContext) (model.LabelSet, error) {
		ls := static.Clone()
		ls["go_goroutines"] = model.LabelValue(strconv.Itoa(runtime.NumGoroutine()))
		return ls, nil
	}}
}
