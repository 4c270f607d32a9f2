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

package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTaskChild_UnsetByDefault(t *testing.T) {
	require.False(t, IsTaskChild())
}

func TestIsTaskChild_TrueWhenEnvSet(t *testing.T) {
	t.Setenv(taskChildEnv, "1")
	require.True(t, IsTaskChild())
}

func TestRunTaskChild_MissingNameErrors(t *testing.T) {
	t.Setenv(taskNameEnv, "")
	err := RunTaskChild()
	require.Error(t, err)
}

func TestRunTaskChild_RunsRegisteredBuiltin(t *testing.T) {
	t.Setenv(taskNameEnv, "noop")
	require.NoError(t, RunTaskChild())
}

func TestRunTaskChild_UnknownNameErrors(t *testing.T) {
	t.Setenv(taskNameEnv, "does-not-exist")
	err := RunTaskChild()
	require.Error(t, err)
}

func TestNewTaskChildCmd_SetsEnv(t *testing.T) {
	newCmd := newTaskChildCmd("/tmp/tasks")
	cmd, err := newCmd("noop")
	require.NoError(t, err)

	var sawChild, sawName, sawDir bool
	for _, e := range cmd.Env {
		switch e {
		case taskChildEnv + "=1":
			sawChild = true
		case taskNameEnv + "=noop":
			sawName = true
		case tasksDirEnv + "=/tmp/tasks":
			sawDir = true
		}
	}
	require.True(t, sawChild)
	require.True(t, sawName)
	require.True(t, sawDir)
}
