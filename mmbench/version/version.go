// Copyright 2026 The RadixMM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version holds the version string stamped into mmbench binaries.
package version

// version is overridden at build time via
// -ldflags="-X radixmm.dev/radixmm/mmbench/version.version=...".
var version = "unknown"

// Version returns the build-stamped version string.
func Version() string {
	return version
}
