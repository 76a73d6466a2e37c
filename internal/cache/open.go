package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Open 按驱动名称构建 Store：fs 直接使用 basePath，leveldb 使用 basePath/leveldb。
func Open(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewFileStore(basePath)
	case "leveldb":
		return NewLevelStore(filepath.Join(basePath, "leveldb"))
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
