package validators

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/webdav-gateway/davengine/internal/types"
)

// MaxValueLength 属性值最大长度（10KB）
const MaxValueLength = 10240

// PropertyValidator 属性验证器接口
type PropertyValidator interface {
	Validate(property types.DeadProperty) *types.PropertyError
}

// DefaultPropertyValidator 默认属性验证器
type DefaultPropertyValidator struct {
	MaxValueLength int
}

// Default 默认验证器实例
var Default PropertyValidator = &DefaultPropertyValidator{MaxValueLength: MaxValueLength}

// Validate 验证单个死属性
func (v *DefaultPropertyValidator) Validate(property types.DeadProperty) *types.PropertyError {
	if strings.TrimSpace(property.Name.Local) == "" {
		return types.NewPropertyError(property.Name, http.StatusBadRequest, "属性名不能为空")
	}

	if types.IsProtected(property.Name) {
		err := types.NewPropertyError(property.Name, http.StatusForbidden, "受保护的活属性不可修改")
		err.Condition = types.ConditionCannotModifyProtected
		return err
	}

	limit := v.MaxValueLength
	if limit <= 0 {
		limit = MaxValueLength
	}
	if len(property.Value) > limit {
		return types.NewPropertyError(property.Name, http.StatusRequestEntityTooLarge, "属性值过大")
	}

	return nil
}

// ValidateName 验证删除操作的属性名
func ValidateName(name xml.Name) *types.PropertyError {
	if strings.TrimSpace(name.Local) == "" {
		return types.NewPropertyError(name, http.StatusBadRequest, "属性名不能为空")
	}
	if types.IsProtected(name) {
		err := types.NewPropertyError(name, http.StatusForbidden, "受保护的活属性不可删除")
		err.Condition = types.ConditionCannotModifyProtected
		return err
	}
	return nil
}
