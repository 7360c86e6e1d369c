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
	"os"

	"github.com/prometheus/common/model"
	"github.com/zcalusic/sysinfo"
)

// Host reports the machine the program runs on. It is read once.
func Host() *StaticPlugin {
	return newStatic("host", func() (model.LabelSet, error) {
		var si sysinfo.SysInfo
		si.GetSysInfo()

		hostname := si.Node.Hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}

		ls := model.LabelSet{}
		for k, v := range map[model.LabelName]string{
			"hostname":       hostname,
			"os_name":        si.OS.Name,
			"os_release":     si.OS.Release,
			"os_arch":        si.OS.Architecture,
			"kernel_release": si.Kernel.Release,
		} {
			if v != "" {
				ls[k] = model.LabelValue(v)
			}
		}
		return ls, nil
	})
}
