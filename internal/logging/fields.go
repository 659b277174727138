package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 fetch 事件的公共字段：当前缓存代、请求 URL、导航模式与结果。
func FetchFields(version, url, mode, outcome string) logrus.Fields {
	return logrus.Fields{
		"action":  "fetch",
		"version": version,
		"url":     url,
		"mode":    mode,
		"outcome": outcome,
	}
}

// LifecycleFields 用于 install/activate 阶段日志。
func LifecycleFields(phase, version string) logrus.Fields {
	return logrus.Fields{
		"action":  phase,
		"version": version,
	}
}

// OutputFields 描述日志输出目标，用于日志文件降级事件。
func OutputFields(logFile, fallback string) logrus.Fields {
	return logrus.Fields{
		"action":   "logger",
		"log_file": logFile,
		"fallback": fallback,
	}
}
