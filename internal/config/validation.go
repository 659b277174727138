package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

var supportedStorageDrivers = map[string]struct{}{
	cache.DriverFS:     {},
	cache.DriverSQLite: {},
	cache.DriverMemory: {},
}

const supportedStorageDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != cache.DriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.Proxy != "" {
		if err := validateHTTPURL(g.Proxy); err != nil {
			return fmt.Errorf("Global.Proxy: %w", err)
		}
	}

	a := c.Agent
	if err := validateHTTPURL(a.Origin); err != nil {
		return fmt.Errorf("Agent.Origin: %w", err)
	}
	if err := cache.ValidateName(a.Version); err != nil {
		return newFieldError("Agent.Version", err.Error())
	}
	for i, asset := range a.Assets {
		if err := validateRelative(asset); err != nil {
			return newFieldError(assetField(i), err.Error())
		}
	}
	if err := validateRelative(a.FallbackPath); err != nil {
		return newFieldError("Agent.FallbackPath", err.Error())
	}

	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

// validateRelative 拒绝跨源条目：清单只缓存同源资源。
func validateRelative(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("必须是相对路径")
	}
	return nil
}
