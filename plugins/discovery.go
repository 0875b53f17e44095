package plugins

import "fmt"

// Discover loads every YAML and Go source definition under dir and rejects
// duplicate ids. The filesystem built-in is not included; sourcing adds it
// ahead of discovered plugins.
func Discover(dir string) ([]DefinitionFile, error) {
	yamlDefs, err := LoadDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	goDefs, err := LoadGoDefinitionDir(dir)
	if err != nil {
		return nil, err
	}
	defs := append(yamlDefs, goDefs...)
	seen := make(map[string]string, len(defs))
	for _, file := range defs {
		id := file.Definition.ID
		if existing, ok := seen[id]; ok {
			return nil, fmt.Errorf("plugin: duplicate source id %s (%s and %s)", id, existing, file.Path)
		}
		seen[id] = file.Path
	}
	return defs, nil
}
