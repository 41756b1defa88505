package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SubscriptionFields 提供 WebSub 订阅相关字段，供握手与租期日志复用。
func SubscriptionFields(action, mode, topic, callback string) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"mode":     mode,
		"topic":    topic,
		"callback": callback,
	}
}

// DeliveryFields 描述一次推送或本地投递的结果。
func DeliveryFields(action, topic, target string, status int, signed bool) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"topic":  topic,
		"target": target,
		"status": status,
		"signed": signed,
	}
}

// CacheFields 提供缓存 key 与命中状态字段。
func CacheFields(action, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"key":       key,
		"cache_hit": cacheHit,
	}
}
