// Copyright 2023 N4-Networks.com
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

package backup

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileSink stores the document in a file. The write is atomic: the document
// lands in a temp file which is fsynced and renamed over the target, so the
// file on disk is always a complete parseable document.
type FileSink struct {
	Path string
}

// Load reads the backup file. A missing file is not an error; it returns an
// empty document.
func (f *FileSink) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading backup file: %w", err)
	}
	return string(data), nil
}

// Store writes the document atomically.
func (f *FileSink) Store(data string) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".backup-*.xml")
	if err != nil {
		return fmt.Errorf("creating temp backup: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing backup: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod backup: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("renaming backup into place: %w", err)
	}
	return nil
}

// OptionSink stores the document inside a config-store option through a pair
// of callbacks. The serialized form is already newline-flattened when it
// reaches Store.
type OptionSink struct {
	Get func() (string, error)
	Set func(string) error
}

func (o *OptionSink) Load() (string, error) { return o.Get() }

func (o *OptionSink) Store(data string) error { return o.Set(data) }
