package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrecacheManifest 是部署流水线产出的预缓存清单。
//
//	version: skyborne-hospital-v1.0.1
//	resources:
//	  - /
//	  - /manifest.json
type PrecacheManifest struct {
	Version   string   `yaml:"version"`
	Resources []string `yaml:"resources"`
}

// LoadManifest 读取并解析 YAML 清单。
func LoadManifest(path string) (*PrecacheManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预缓存清单失败: %w", err)
	}
	var manifest PrecacheManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("解析预缓存清单失败: %w", err)
	}
	manifest.Version = strings.TrimSpace(manifest.Version)
	return &manifest, nil
}

// ApplyManifest 用清单中的非空字段覆盖 Generation 与 CriticalResources。
func (s *SiteConfig) ApplyManifest(path string) error {
	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}
	if manifest.Version != "" {
		s.Generation = manifest.Version
	}
	if len(manifest.Resources) > 0 {
		s.CriticalResources = append([]string(nil), manifest.Resources...)
	}
	return nil
}
