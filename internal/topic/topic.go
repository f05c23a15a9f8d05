// Package topic 实现主题过滤器匹配和校验
package topic

import (
	"errors"
	"strings"
)

const (
	// Separator 层级分隔符
	Separator = "/"
	// SingleLevel 匹配恰好一层
	SingleLevel = "+"
	// MultiLevel 匹配剩余所有层级, 可以为零层
	MultiLevel = "#"
)

var (
	// ErrInvalidTopic 不能用于发布的主题名
	ErrInvalidTopic = errors.New("topic: invalid topic name")
	// ErrInvalidFilter 格式错误的订阅过滤器
	ErrInvalidFilter = errors.New("topic: invalid topic filter")
)

// Matches 判断主题 topic 是否匹配过滤器 filter.
//
// 按层级逐段比较, 不分配内存. "+" 匹配任意一层(包括空层), "#" 匹配剩余全部层级,
// 末尾的 "#" 同样匹配父层级("a" 匹配 "a/#"). '$' 开头的主题不做特殊处理.
func Matches(topic, filter string) bool {
	for {
		fl, frest, fmore := strings.Cut(filter, Separator)
		if fl == MultiLevel {
			return true
		}
		tl, trest, tmore := strings.Cut(topic, Separator)
		if fl != SingleLevel && fl != tl {
			return false
		}
		if !tmore {
			if !fmore {
				return true
			}
			return frest == MultiLevel
		}
		if !fmore {
			return false
		}
		topic, filter = trest, frest
	}
}

// ValidateTopic 校验发布用的主题名, 不允许通配符
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateFilter 校验订阅过滤器: 通配符必须独占一层, "#" 只能出现在最后一层
func ValidateFilter(filter string) error {
	if filter == "" || strings.ContainsRune(filter, 0) {
		return ErrInvalidFilter
	}
	rest := filter
	for {
		level, next, more := strings.Cut(rest, Separator)
		if strings.ContainsAny(level, "+#") && level != SingleLevel && level != MultiLevel {
			return ErrInvalidFilter
		}
		if level == MultiLevel && more {
			return ErrInvalidFilter
		}
		if !more {
			return nil
		}
		rest = next
	}
}

// HasWildcard 过滤器是否含有通配符
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}
