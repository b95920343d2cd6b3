// Package setup creates the .a2a runtime directory for a project.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/a2a_engine/internal/model"
	atomicyaml "github.com/msageha/a2a_engine/internal/yaml"
	"github.com/msageha/a2a_engine/templates"
)

// Run initializes <projectDir>/.a2a and returns its path. projectName
// defaults to the directory's base name.
func Run(projectDir, projectName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, model.BaseDirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "dead_letters"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	content, err := generateConfig(map[string]string{
		"name":    projectName,
		"root":    absDir,
		"created": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if _, err := model.ParseConfig(content); err != nil {
		return "", fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(filepath.Join(base, "config.yaml"), content); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return base, nil
}

// generateConfig fills the project section of the embedded template. The
// template is edited as a node tree so its comments survive.
func generateConfig(project map[string]string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if doc.Kind != yamlv3.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("config template is empty")
	}
	section := mappingValue(doc.Content[0], "project")
	if section == nil || section.Kind != yamlv3.MappingNode {
		return nil, fmt.Errorf("config template has no project section")
	}
	for key, value := range project {
		setScalar(section, key, value)
	}

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mappingValue(m *yamlv3.Node, key string) *yamlv3.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setScalar(m *yamlv3.Node, key, value string) {
	if v := mappingValue(m, key); v != nil {
		v.Kind = yamlv3.ScalarNode
		v.Tag = "!!str"
		v.Style = yamlv3.DoubleQuotedStyle
		v.Value = value
		return
	}
	m.Content = append(m.Content,
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: key},
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Style: yamlv3.DoubleQuotedStyle, Value: value},
	)
}
