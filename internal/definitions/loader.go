package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Decode parses one definitions document. The format follows the file extension;
// unknown fields, including unknown condition node kinds, are rejected.
func Decode(name string, data []byte) (File, error) {
	var f File
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return File{}, fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return f, nil
}

// LoadDir reads every .yaml, .yml and .json file in dir in name order. A missing
// directory yields no files.
func LoadDir(dir string) ([]File, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		f, err := Decode(name, data)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Validate compiles every definition in files without storing anything.
func Validate(files []File) []error {
	var errs []error
	for _, f := range files {
		for _, s := range f.ScoreTypes {
			if _, err := CompileScoreType(s); err != nil {
				errs = append(errs, err)
			}
		}
		for _, t := range f.Triggers {
			if _, err := CompileTrigger(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}
