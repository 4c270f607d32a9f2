// Copyright 2025 Tom Barlow
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

package worker

// Invoker is the user-supplied worker object the mediator calls methods
// on, in both the child executor loop and the Inline bypass.
type Invoker interface {
	// Invoke dispatches method with args and returns its result, or an
	// error if method is unknown or the call panics/fails.
	Invoke(method string, args []any) (any, error)
}

// InvokerFunc adapts a plain function to Invoker for simple workers.
type InvokerFunc func(method string, args []any) (any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(method string, args []any) (any, error) { return f(method, args) }
