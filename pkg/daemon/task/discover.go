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

package task

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// pluginPattern matches task-plugin executables under a discovery root at
// any directory depth (e.g. "cleanup.task" or "billing/invoice.task").
const pluginPattern = "**/*.task"

// Discover globs dir for plugin task executables and registers one
// routine per match, named after the file with its .task suffix
// stripped. Each routine runs the plugin as a subprocess and waits for
// it; a non-zero exit becomes the routine's error.
func (f *Forker) Discover(dir string) ([]string, error) {
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, pluginPattern)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, match := range matches {
		path := filepath.Join(dir, match)
		name := strings.TrimSuffix(filepath.Base(match), ".task")
		f.Register(name, pluginRoutine(path))
		names = append(names, name)
	}
	return names, nil
}

// pluginRoutine returns a Routine that execs the plugin binary at path
// and waits for it to finish, so a discovered plugin behaves like any
// other registered routine from Task's point of view.
func pluginRoutine(path string) Routine {
	return func() error {
		cmd := exec.Command(path)
		cmd.Stdout = nil
		cmd.Stderr = nil
		return cmd.Run()
	}
}

// Watch starts an fsnotify watch on dir, re-running Discover whenever a
// .task file is created or written so newly dropped plugins become callable without a
// restart. It returns a stop function; callers must call it on teardown.
func (f *Forker) Watch(dir string) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.HasSuffix(event.Name, ".task") {
					_, _ = f.Discover(dir)
				}
			case <-watcher.Errors:
				// best-effort: discovery retries on the next successful event
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return watcher.Close()
	}, nil
}
