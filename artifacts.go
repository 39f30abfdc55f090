// Copyright 2024 Google LLC
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

package tidl

import "strconv"

// Per-subgraph artifact names under the artifacts directory, keyed by the
// subgraph's final sequential ID. The embedded runtime resolves these names
// relative to the config file.

// NetBinName is the name of a subgraph's binary network description.
func NetBinName(subgraphID int) string {
	return "tidl_subgraph" + strconv.Itoa(subgraphID) + "_net.bin"
}

// ParamsBinName is the name of a subgraph's binary parameters file.
func ParamsBinName(subgraphID int) string {
	return "tidl_subgraph" + strconv.Itoa(subgraphID) + "_params.bin"
}

// ConfigName is the name of a subgraph's text configuration file.
func ConfigName(subgraphID int) string {
	return "subgraph" + strconv.Itoa(subgraphID) + ".cfg"
}
