package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("LogLevel", fmt.Sprintf("无法识别: %s", g.LogLevel))
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverLevelDB:
	default:
		return newFieldError("StorageDriver", "仅支持 fs|leveldb")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	s := c.Shell
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := validateToken("CachePrefix", s.CachePrefix); err != nil {
		return err
	}
	if err := validateToken("VersionToken", s.VersionToken); err != nil {
		return err
	}
	if strings.Contains(s.OfflineDocument, "://") {
		return newFieldError("OfflineDocument", "必须是源站内的相对路径")
	}
	for i, entry := range s.Precache {
		if strings.TrimSpace(entry) == "" {
			return newFieldError(fmt.Sprintf("Precache[%d]", i), "不能为空")
		}
		if strings.Contains(entry, "://") {
			return newFieldError(fmt.Sprintf("Precache[%d]", i), "只允许同源路径")
		}
	}
	return nil
}

// validateToken 限制代际名称片段只包含安全字符，便于直接用作目录名/键前缀。
func validateToken(field, value string) error {
	if value == "" {
		return newFieldError(field, "不能为空")
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
		default:
			return newFieldError(field, "仅允许字母、数字、点与下划线")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
