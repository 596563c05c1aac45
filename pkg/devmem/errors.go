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

package devmem

import "fmt"

var (
	ErrOutOfMemory     = fmt.Errorf("devmem: out of memory")
	ErrInvalidArgument = fmt.Errorf("devmem: invalid argument")
	ErrInvalidStrategy = fmt.Errorf("devmem: invalid strategy")
	ErrFailedOption    = fmt.Errorf("devmem: failed to apply option")
	ErrClosed          = fmt.Errorf("devmem: facade closed")
)
