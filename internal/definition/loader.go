// Package definition loads YAML state-machine definitions, validates them,
// and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/pravasi/model"
)

// Loader reads definition files from disk.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll parses every *.yaml and *.yml file under the given directories.
// Files are returned in path order and a file reachable from two
// directories is loaded once. Hidden files and directories are skipped.
// Parse failures do not stop the scan; they are joined into the returned
// error so that every broken file is reported together.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	paths, err := definitionPaths(directories)
	if err != nil {
		return nil, err
	}

	files := make([]model.DefinitionFile, 0, len(paths))
	var errs []error
	for _, path := range paths {
		f, err := l.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return files, nil
}

func definitionPaths(directories []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				seen[filepath.Clean(path)] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadFile reads and parses one definition file, recording its path on the
// file and on each machine it declares.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	f.SourceFile = path
	for i := range f.Machines {
		f.Machines[i].SourceFile = path
	}
	return f, nil
}

// Parse decodes definition YAML held in memory and stamps the SHA-256 of
// the raw bytes on the file and its machines. Unknown keys are rejected so
// that a typo like "transition:" fails loudly instead of yielding an empty
// table.
func Parse(data []byte) (model.DefinitionFile, error) {
	var f model.DefinitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return model.DefinitionFile{}, err
	}

	sum := sha256.Sum256(data)
	f.Checksum = hex.EncodeToString(sum[:])
	for i := range f.Machines {
		f.Machines[i].Checksum = f.Checksum
	}
	return f, nil
}
