package block

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/pipeflow/flow/schema"
)

// Declaration is a block definition read from a declarative source.
type Declaration struct {
	Name string `yaml:"name"`

	// Type names the registered block, or bare kind, this one extends.
	Type string `yaml:"type"`

	Config  map[string]interface{} `yaml:"config"`
	Inputs  []string               `yaml:"inputs"`
	Outputs []string               `yaml:"outputs"`
	Schema  schema.Schema          `yaml:"schema"`

	Source string `yaml:"-"`
}

// Source supplies block declarations.
type Source interface {
	Declarations(ctx context.Context) ([]Declaration, error)
}

// YAMLSource reads every *.yaml and *.yml file under a directory (or a
// single file). A file holds one declaration or a list of them.
type YAMLSource string

func (s YAMLSource) String() string { return string(s) }

// Declarations implements Source.
func (s YAMLSource) Declarations(ctx context.Context) ([]Declaration, error) {
	files, err := findFiles(string(s), ".yaml", ".yml")
	if err != nil {
		return nil, err
	}
	var decls []Declaration
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		parsed, err := parseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
		for i := range parsed {
			parsed[i].Source = file
		}
		decls = append(decls, parsed...)
	}
	return decls, nil
}

func parseYAML(data []byte) ([]Declaration, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []Declaration
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one Declaration
	if err := root.Decode(&one); err != nil {
		return nil, err
	}
	return []Declaration{one}, nil
}

// findFiles returns the files under path with one of exts, sorted. A
// missing path yields no files.
func findFiles(path string, exts ...string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error accessing path %s: %w", path, err)
	}

	match := func(p string) bool {
		ext := strings.ToLower(filepath.Ext(p))
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}

	if !info.IsDir() {
		if match(path) {
			return []string{path}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && match(p) {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
