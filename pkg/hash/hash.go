// Copyright 2021 The Parca Authors
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

// Package hash computes the content hashes identifying a tracepoint set.
package hash

import (
	"encoding/hex"
	"hash"
	"sort"
	"strconv"

	"github.com/minio/highwayhash"

	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

var key = mustDecode("64656570206167656e74207472616365706f696e74732068617368206b657921")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	hash, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}

	return hash, nil
}

// Bytes returns the hex encoded hash of b.
func Bytes(b []byte) string {
	return strconv.FormatUint(highwayhash.Sum64(b, key), 16)
}

// Tracepoints returns a hash of the tracepoint set that does not depend on
// the order of configs, args or anything but their content.
func Tracepoints(cfgs []*tracepoint.Config) string {
	sorted := make([]*tracepoint.Config, 0, len(cfgs))
	for _, c := range cfgs {
		if c != nil {
			sorted = append(sorted, c)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h, err := New()
	if err != nil {
		// Only fails for keys that are not 32 bytes long.
		panic(err)
	}
	field := func(s string) {
		_, _ = h.Write([]byte(strconv.Itoa(len(s))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(s))
	}
	for _, c := range sorted {
		field(c.ID)
		field(c.Path)
		field(strconv.Itoa(c.Line))

		keys := make([]string, 0, len(c.Args))
		for k := range c.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		field(strconv.Itoa(len(keys)))
		for _, k := range keys {
			field(k)
			field(c.Args[k])
		}
		field(strconv.Itoa(len(c.Watches)))
		for _, w := range c.Watches {
			field(w)
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
