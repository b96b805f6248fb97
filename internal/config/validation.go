package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":      {},
	"leveldb": {},
	"memory":  {},
}

const supportedStorageDriverList = "fs|leveldb|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	s := c.Site
	if err := validateUpstream(s.Upstream); err != nil {
		return fmt.Errorf("%s: %w", siteField("Upstream"), err)
	}
	if err := validateGeneration(s.Generation); err != nil {
		return fmt.Errorf("%s: %w", siteField("Generation"), err)
	}
	if len(s.CriticalResources) == 0 {
		return newFieldError(siteField("CriticalResources"), "至少需要一个关键资源")
	}
	for _, resource := range s.CriticalResources {
		if err := validateRootRelative(resource); err != nil {
			return fmt.Errorf("%s: %w", siteField("CriticalResources"), err)
		}
	}
	if err := validateRootRelative(s.RootDocument); err != nil {
		return fmt.Errorf("%s: %w", siteField("RootDocument"), err)
	}
	if s.PlaceholderImage != "" {
		if err := validateRootRelative(s.PlaceholderImage); err != nil {
			return fmt.Errorf("%s: %w", siteField("PlaceholderImage"), err)
		}
	}
	for _, header := range s.VaryHeaders {
		if strings.TrimSpace(header) == "" || strings.ContainsAny(header, " :") {
			return newFieldError(siteField("VaryHeaders"), fmt.Sprintf("非法请求头名称: %q", header))
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateGeneration(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	if strings.ContainsAny(name, "/\\ \x00") {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateRootRelative(p string) error {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return fmt.Errorf("必须是以 / 开头的根相对路径: %q", p)
	}
	return nil
}
