package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// VersionChange 描述一次 VersionToken 变化，由 Watch 推送给调用方。
type VersionChange struct {
	Previous string
	Current  string
	Config   *Config
}

// Watch 监听配置文件，VersionToken 变化时回调 onChange；解析失败的版本会通过 onError 上报且不改变基线。
// 这相当于浏览器探测到新的 worker 脚本：调用方据此注册新版本 worker。
func Watch(path string, current *Config, onChange func(VersionChange), onError func(error)) error {
	v, err := readViper(path)
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		baseline string
	)
	if current != nil {
		baseline = current.Shell.VersionToken
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}

		mu.Lock()
		previous := baseline
		if cfg.Shell.VersionToken == previous {
			mu.Unlock()
			return
		}
		baseline = cfg.Shell.VersionToken
		mu.Unlock()

		if onChange != nil {
			onChange(VersionChange{Previous: previous, Current: cfg.Shell.VersionToken, Config: cfg})
		}
	})
	v.WatchConfig()
	return nil
}
