package config

import (
	"fmt"
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

// 支持的缓存存储驱动。
const (
	StorageDriverFS      = "fs"
	StorageDriverLevelDB = "leveldb"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志与缓存目录。
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

// ShellConfig 决定离线缓存如何对接源站、如何命名缓存代际以及预缓存哪些资源。
type ShellConfig struct {
	// Origin 是唯一的静态源站地址。
	Origin string `mapstructure:"Origin"`
	// Scope 是 worker 的注册作用域，清单中的相对路径基于它解析。
	Scope string `mapstructure:"Scope"`
	// CachePrefix/VersionToken 共同组成代际名称，修改 VersionToken 即整体失效。
	CachePrefix  string `mapstructure:"CachePrefix"`
	VersionToken string `mapstructure:"VersionToken"`
	// OfflineDocument 为导航失败且无缓存时返回的固定文档路径，必须出现在清单中。
	OfflineDocument string `mapstructure:"OfflineDocument"`
	// ManifestFile 指向 YAML 清单；为空时使用 Precache 或内置清单。
	ManifestFile       string   `mapstructure:"ManifestFile"`
	Precache           []string `mapstructure:"Precache"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	// ClientBuffer 是每个页面实例的消息缓冲长度，写满后新消息直接丢弃。
	ClientBuffer int `mapstructure:"ClientBuffer"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Shell  ShellConfig  `mapstructure:",squash"`
}
