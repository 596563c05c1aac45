// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package klogcontrol

import (
	"strconv"
)

// Config holds klog runtime configuration. Unset fields leave the
// corresponding klog flag untouched.
// +k8s:deepcopy-gen=true
type Config struct {
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	SkipHeaders *bool `json:"skip_headers,omitempty"`
	// +optional
	SkipLogHeaders *bool `json:"skip_log_headers,omitempty"`
	// +optional
	Stderrthreshold *int `json:"stderrthreshold,omitempty"`
	// +optional
	V *int `json:"v,omitempty"`
	// +optional
	Vmodule *string `json:"vmodule,omitempty"`
	// +optional
	LogDir *string `json:"log_dir,omitempty"`
	// +optional
	LogFile *string `json:"log_file,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	var (
		b *bool
		i *int
		s *string
	)

	switch name {
	case "logtostderr":
		b = c.Logtostderr
	case "alsologtostderr":
		b = c.Alsologtostderr
	case "skip_headers":
		b = c.SkipHeaders
	case "skip_log_headers":
		b = c.SkipLogHeaders
	case "stderrthreshold":
		i = c.Stderrthreshold
	case "v":
		i = c.V
	case "vmodule":
		s = c.Vmodule
	case "log_dir":
		s = c.LogDir
	case "log_file":
		s = c.LogFile
	default:
		return "", false
	}

	switch {
	case b != nil:
		return strconv.FormatBool(*b), true
	case i != nil:
		return strconv.Itoa(*i), true
	case s != nil:
		return *s, true
	}

	return "", false
}
