// Copyright (c) Warpgen Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package atomicfile contains code related to writing to filesystems
// atomically.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes data to filename+some suffix, then renames it into
// filename. The temporary file is written in the same directory as
// filename so the rename cannot cross filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("%s: %w", tmpName, err)
	}
	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("%s: %w", tmpName, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%s: %w", tmpName, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("%s->%s: %w", tmpName, filename, err)
	}
	return nil
}
