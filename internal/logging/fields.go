package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/分类/命中结果字段，供代理请求日志复用。
func RequestFields(route, class, rule, outcome string) logrus.Fields {
	fields := logrus.Fields{
		"route":   route,
		"class":   class,
		"outcome": outcome,
	}
	if rule != "" {
		fields["rule"] = rule
	}
	return fields
}

// LifecycleFields 描述缓存代生命周期事件。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"state":   state,
	}
}
