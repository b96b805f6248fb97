package server

import "github.com/go-playground/validator/v10"

// StructValidator 包装 go-playground/validator，供 Fiber 在 Bind 时校验请求体。
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator 创建共享的校验器实例。
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New()}
}

// Validate validates the struct
func (v *StructValidator) Validate(out any) error {
	return v.validate.Struct(out)
}
