package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求类别/策略来源/worker 版本字段，供拦截日志复用。
func RequestFields(method, path, class, source, version string) logrus.Fields {
	return logrus.Fields{
		"method":         method,
		"path":           path,
		"request_class":  class,
		"source":         source,
		"worker_version": version,
	}
}

// LifecycleFields 描述一次 worker 状态迁移。
func LifecycleFields(workerID, version, from, to string) logrus.Fields {
	return logrus.Fields{
		"action":         "lifecycle",
		"worker_id":      workerID,
		"worker_version": version,
		"from_state":     from,
		"to_state":       to,
	}
}
