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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述进程级运行参数：监听端口、存储、日志与上游网络。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	Proxy           string   `mapstructure:"Proxy"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// AgentConfig 是缓存代理的两项核心常量（版本、资源清单）及其作用域。
type AgentConfig struct {
	// Origin 是被托管应用的作用域 URL，清单与回退页都相对它解析。
	Origin string `mapstructure:"Origin"`
	// Version 同时是缓存代名称；修改它是刷新预缓存集合的唯一手段。
	Version string   `mapstructure:"Version"`
	Assets  []string `mapstructure:"Assets"`
	// FallbackPath 是离线导航请求的回退文档。
	FallbackPath string `mapstructure:"FallbackPath"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// OriginURL 返回解析后的作用域 URL（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Agent.Origin)
	if err != nil {
		return nil
	}
	return parsed
}

// SameRelease 判断两份配置是否对应同一次发布：版本、清单、作用域都未变化。
func (a AgentConfig) SameRelease(other AgentConfig) bool {
	if a.Version != other.Version || a.Origin != other.Origin || a.FallbackPath != other.FallbackPath {
		return false
	}
	if len(a.Assets) != len(other.Assets) {
		return false
	}
	for i := range a.Assets {
		if a.Assets[i] != other.Assets[i] {
			return false
		}
	}
	return true
}
