package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// ParseStageGraph decodes and validates a YAML stage graph.
func ParseStageGraph(data []byte) (*stagegraph.Graph, error) {
	var g stagegraph.Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse stage graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadStageGraph reads a stage graph file.
func LoadStageGraph(path string) (*stagegraph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage graph: %w", err)
	}
	return ParseStageGraph([]byte(os.ExpandEnv(string(data))))
}
