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

package device

import "fmt"

var (
	ErrOutOfMemory   = fmt.Errorf("device: out of memory")
	ErrInvalidSize   = fmt.Errorf("device: invalid allocation size")
	ErrInvalidPlace  = fmt.Errorf("device: invalid place")
	ErrUnknownPlace  = fmt.Errorf("device: unknown place")
	ErrAlreadyExists = fmt.Errorf("device: place already registered")
	ErrInvalidStream = fmt.Errorf("device: invalid stream")
	ErrUnknownBlock  = fmt.Errorf("device: unknown or already freed block")
	ErrClosed        = fmt.Errorf("device: device closed")
)
