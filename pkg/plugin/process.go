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
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/model"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

// Process reports the identity of the current process and its resident
// memory at the hit.
func Process() *StatelessPlugin {
	pid := os.Getpid()
	static := newStatic("process", func() (model.LabelSet, error) {
		ls := model.LabelSet{"pid": model.LabelValue(strconv.Itoa(pid))}

		p, err := procfs.NewProc(pid)
		if err != nil {
			// Not on Linux or /proc is not mounted.
			return ls, nil //nolint:nilerr
		}
		if comm, err := p.Comm(); err == nil {
			ls["comm"] = model.LabelValue(comm)
		}
		if exe, err := p.Executable(); err == nil {
			ls["executable"] = model.LabelValue(exe)
		}
		stat, err := p.Stat()
		if err != nil {
			return ls, nil //nolint:nilerr
		}
		ls["ppid"] = model.LabelValue(strconv.Itoa(stat.PPID))
		if start, err := stat.StartTime(); err == nil {
			ls["start_time"] = model.LabelValue(time.Unix(int64(start), 0).UTC().Format(time.RFC3339))
		}
		return ls, nil
	})

	return &StatelessPlugin{"process", func(hc snapshot.HitContext) (model.LabelSet, error) {
		attrs, err := static.Decorate(hc)
		if err != nil {
			return nil, err
		}
		ls := make(model.LabelSet, len(attrs)+1)
		for k, v := range attrs {
			ls[model.LabelName(k)] = model.LabelValue(v)
		}

		p, err := procfs.NewProc(pid)
		if err != nil {
			return ls, nil //nolint:nilerr
		}
		stat, err := p.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to get stat for PID %d: %w", pid, err)
		}
		ls["rss"] = model.LabelValue(humanize.IBytes(uint64(stat.ResidentMemory())))
		return ls, nil
	}}
}
