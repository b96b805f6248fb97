package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供资源类别/策略/来源等字段，供拦截请求日志复用。
func RequestFields(class, strategy, source, generation string, status int) logrus.Fields {
	return logrus.Fields{
		"class":      class,
		"strategy":   strategy,
		"source":     source,
		"generation": generation,
		"status":     status,
		"cache_hit":  source != "network",
	}
}

// LifecycleFields 提供生命周期事件的公共字段。
func LifecycleFields(action, generation, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
		"state":      state,
	}
}
