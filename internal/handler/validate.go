package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/bandstand/internal/model"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator はjsonタグ名でエラーを報告するバリデーターを返す。
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// validateRequest はリクエスト構造体を検証し、最初の違反を表示用のエラーとして返す。
func validateRequest(req any) *model.APIError {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.NewValidationError(err.Error())
	}
	return model.NewValidationError(describeFieldError(verrs[0]))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", field)
	case "email":
		return fmt.Sprintf("%s はメールアドレスの形式で指定してください", field)
	case "min":
		return fmt.Sprintf("%s は%s文字以上で指定してください", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s は%s文字以内で指定してください", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s は %s のいずれかを指定してください", field, fe.Param())
	case "url", "http_url":
		return fmt.Sprintf("%s はURLの形式で指定してください", field)
	default:
		return fmt.Sprintf("%s が不正です", field)
	}
}
