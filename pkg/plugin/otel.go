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
	"github.com/prometheus/common/model"
	"go.opentelemetry.io/otel/trace"

	"github.com/parca-dev/deep-agent/pkg/snapshot"
)

// OTel links snapshots to the span active in the hit's context.
func OTel() *StatelessPlugin {
	return &StatelessPlugin{"otel", func(hc snapshot.HitContext) (model.LabelSet, error) {
		if hc.Context == nil {
			return nil, nil
		}
		sc := trace.SpanContextFromContext(hc.Context)
		if !sc.IsValid() {
			return nil, nil
		}
		return model.LabelSet{
			"trace_id": model.LabelValue(sc.TraceID().String()),
			"span_id":  model.LabelValue(sc.SpanID().String()),
		}, nil
	}}
}
