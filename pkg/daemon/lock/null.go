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

package lock

// Null is the no-op Provider: every operation succeeds and no lease is
// ever held. Used for single-developer runs where the singleton guarantee
// is not needed.
type Null struct{}

// NewNull constructs a Null provider. cfg is accepted for interface
// symmetry with the other variants but not consulted.
func NewNull(_ Config) *Null { return &Null{} }

// Setup is a no-op.
func (n *Null) Setup() error { return nil }

// Teardown is a no-op.
func (n *Null) Teardown() error { return nil }

// Check always reports no lease held.
func (n *Null) Check() (*Lease, error) { return nil, nil }

// Set always succeeds.
func (n *Null) Set() error { return nil }

// CheckEnvironment always succeeds.
func (n *Null) CheckEnvironment() error { return nil }
