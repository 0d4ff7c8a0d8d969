package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述一次缓存读取/回源，key 为归一化后的缓存键。
func CacheFields(action, key string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"key":    key,
	}
}

// ClusterFields 用于集群广播、心跳与信号接收日志。
func ClusterFields(action, group, peer string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"group":  group,
	}
	if peer != "" {
		fields["peer"] = peer
	}
	return fields
}
