package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tender-intel/internal/pipeline"
)

// loadRequest reads a run request from a .json, .yaml or .yml file.
func loadRequest(path string) (pipeline.RunRequest, error) {
	var req pipeline.RunRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, eris.Wrapf(err, "read request %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &req)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &req)
	default:
		return req, eris.Errorf("request %s: unsupported extension", path)
	}
	if err != nil {
		return req, eris.Wrapf(err, "decode request %s", path)
	}
	return req, nil
}

// requestFiles expands args and an optional directory into a sorted list of
// request files.
func requestFiles(args []string, dir string) ([]string, error) {
	files := append([]string{}, args...)
	if dir != "" {
		for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, eris.Wrapf(err, "glob %s", dir)
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}
