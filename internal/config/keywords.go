package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// keywordFile is the layout of an external keyword plugin config:
// {"keyword": {"hello": "reply text", ...}}. Only the keys matter here.
type keywordFile struct {
	Keyword map[string]any `json:"keyword" yaml:"keyword"`
}

// LoadExternalKeywords reads the keys of the "keyword" map from a JSON or
// YAML file (chosen by extension). Blank keys are dropped.
func LoadExternalKeywords(path string) ([]string, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword file %s: %w", path, err)
	}

	var kf keywordFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &kf)
	default:
		err = json.Unmarshal(data, &kf)
	}
	if err != nil {
		return nil, fmt.Errorf("parse keyword file %s: %w", path, err)
	}
	if kf.Keyword == nil {
		return nil, fmt.Errorf("keyword file %s: missing \"keyword\" map", path)
	}

	keywords := make([]string, 0, len(kf.Keyword))
	for k := range kf.Keyword {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)
	return keywords, nil
}
