package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stylesift/trendcache/types"
)

// Parser answers dot-path lookups ("cache.max_entries", "cron.timezone")
// against a config snapshot. The typed ServiceConfig is rounded through
// yaml into a generic tree once, so lookups see the same field names the
// config file uses, including values that only exist as defaults.
type Parser struct {
	tree map[string]interface{}
}

func NewParser(config *types.ServiceConfig) *Parser {
	p := &Parser{tree: make(map[string]interface{})}

	raw, err := yaml.Marshal(config)
	if err != nil {
		return p
	}

	if err := yaml.Unmarshal(raw, &p.tree); err != nil {
		p.tree = make(map[string]interface{})
	}

	return p
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	value, ok := p.lookup(path)
	if !ok || value == nil {
		return defaultValue
	}
	return value
}

func (p *Parser) GetAs(path string, target interface{}) error {
	value, ok := p.lookup(path)
	if !ok || value == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	raw, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal config value")
	}

	if err = yaml.Unmarshal(raw, target); err != nil {
		return types.WrapError(err, "failed to unmarshal config value")
	}

	return nil
}

// lookup walks the tree one dot-separated segment at a time. yaml.v3
// decodes every mapping with string keys, so only string-keyed maps can
// appear below the root.
func (p *Parser) lookup(path string) (interface{}, bool) {
	if path == "" {
		return p.tree, true
	}

	var current interface{} = p.tree

	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}

		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
