package plugins

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

// Go plugins declare their sources through one exported function:
//
//	func SourceDefinitions() ([]map[string]any, error)
//
// The error return may be omitted. Each map holds the same fields as a YAML
// definition file and goes through the same validation.
const goDefinitionFuncName = "SourceDefinitions"

// LoadGoDefinitionDir interprets every plugin .go file in dir with yaegi and
// collects the declared source definitions. Underscore-prefixed files and
// _test.go files are skipped.
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var defs []DefinitionFile
	for _, entry := range entries {
		if !isGoPluginFile(entry) {
			continue
		}
		fileDefs, err := loadGoDefinitionFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	if len(defs) == 0 {
		return nil, nil
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

func isGoPluginFile(entry os.DirEntry) bool {
	if entry.IsDir() {
		return false
	}
	name := entry.Name()
	if strings.HasPrefix(name, "_") || strings.HasSuffix(name, "_test.go") {
		return false
	}
	return filepath.Ext(name) == ".go"
}

func loadGoDefinitionFile(path string) ([]DefinitionFile, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	value, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s does not declare %s: %w", path, goDefinitionFuncName, err)
	}
	raw, err := callDefinitionFunc(value.Interface())
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}

	files := make([]DefinitionFile, 0, len(raw))
	seen := map[string]bool{}
	for idx, fields := range raw {
		payload, err := yaml.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition %d: %w", path, idx+1, err)
		}
		parsed, err := ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition %d: %w", path, idx+1, err)
		}
		if seen[parsed.ID] {
			return nil, fmt.Errorf("plugin: %s declares source %q twice", path, parsed.ID)
		}
		seen[parsed.ID] = true
		files = append(files, DefinitionFile{Definition: parsed, Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return files, nil
}

// callDefinitionFunc invokes the plugin entry point. yaegi hands interpreted
// functions back as ordinary Go values, so the supported signatures are
// matched with plain type assertions.
func callDefinitionFunc(fn any) ([]map[string]any, error) {
	switch fn := fn.(type) {
	case func() ([]map[string]any, error):
		return fn()
	case func() []map[string]any:
		return fn(), nil
	default:
		return nil, fmt.Errorf("%s must be func() ([]map[string]any, error), got %T", goDefinitionFuncName, fn)
	}
}
