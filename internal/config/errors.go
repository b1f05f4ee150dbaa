package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// scopeField 用于拼接 Scope 级字段路径，输出 Scope[xxx].Field 形式。
func scopeField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("Scope[].%s", field)
	}
	return fmt.Sprintf("Scope[%s].%s", name, field)
}

// allowListField 输出 AllowList[i] 形式的字段路径。
func allowListField(idx int) string {
	return fmt.Sprintf("Global.AllowList[%d]", idx)
}
