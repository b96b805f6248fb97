package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与上游超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 描述被加速站点以及离线缓存的部署期常量。
type SiteConfig struct {
	// Upstream 是源站地址，所有网络请求都转发到这里。
	Upstream string `mapstructure:"Upstream"`
	// Generation 是缓存版本名称；修改它即触发全站缓存失效。
	Generation string `mapstructure:"Generation"`
	// CriticalResources 是安装阶段必须全部缓存成功的根相对路径。
	CriticalResources []string `mapstructure:"CriticalResources"`
	// PrecacheManifest 指向部署流水线生成的 YAML 清单，可覆盖 Generation/CriticalResources。
	PrecacheManifest string `mapstructure:"PrecacheManifest"`
	// PlaceholderImage 非空时作为离线图片占位符，并自动加入关键资源。
	PlaceholderImage string `mapstructure:"PlaceholderImage"`
	// RootDocument 是导航离线兜底返回的根文档路径。
	RootDocument string `mapstructure:"RootDocument"`
	// VaryHeaders 参与缓存键计算的请求头。
	VaryHeaders []string `mapstructure:"VaryHeaders"`
	// AutoActivate 为 true 时安装成功后立即激活，不等待 SKIP_WAITING 消息。
	AutoActivate bool `mapstructure:"AutoActivate"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Site   SiteConfig   `mapstructure:"Site"`
}

// DefaultCriticalResources 是站点离线运行所需的最小资源集合：首页、manifest、favicon 与品牌 logo。
var DefaultCriticalResources = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/lovable-uploads/196efd1a-e11c-4c6b-925d-ca6a5f85a159.png",
}

// DefaultGeneration 是未配置时使用的缓存版本名称。
const DefaultGeneration = "skyborne-hospital-v1.0.0"

// EffectiveCriticalResources 返回去重后的关键资源，占位图会追加在末尾。
func (s SiteConfig) EffectiveCriticalResources() []string {
	seen := make(map[string]struct{}, len(s.CriticalResources)+1)
	result := make([]string, 0, len(s.CriticalResources)+1)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		result = append(result, p)
	}
	for _, p := range s.CriticalResources {
		add(p)
	}
	add(s.PlaceholderImage)
	return result
}

// UpstreamURL 解析源站地址；Validate 通过后不会返回错误。
func (s SiteConfig) UpstreamURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(s.Upstream))
}
