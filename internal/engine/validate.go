package engine

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const dateLayout = "2006-01-02"

var phonePattern = regexp.MustCompile(`^(\d{2,4})-?(\d{2,4})-?(\d{4})$|^(\d{10,11})$`)

// newValidator returns a validator with the project rules registered and
// field errors keyed by json name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("ymd", isDate)
	_ = v.RegisterValidation("jp_phone", isPhone)
	return v
}

func isDate(fl validator.FieldLevel) bool {
	_, err := time.Parse(dateLayout, fl.Field().String())
	return err == nil
}

// isPhone accepts Japanese numbers with or without hyphens.
func isPhone(fl validator.FieldLevel) bool {
	s := strings.Join(strings.Fields(fl.Field().String()), "")
	return phonePattern.MatchString(s)
}

// fieldMessages maps "field.tag" to the message shown to the user.
var fieldMessages = map[string]string{
	"name.required":        "案件名は必須です",
	"clientName.required":  "顧客名は必須です",
	"clientEmail.email":    "メールアドレスの形式が正しくありません",
	"clientPhone.jp_phone": "電話番号の形式が正しくありません",
	"estimateAmount.gte":   "見積金額は0以上で入力してください",
	"estimateDate.ymd":     "見積日の形式が正しくありません",
	"startDate.ymd":        "着工予定日の形式が正しくありません",
	"endDate.ymd":          "完了予定日の形式が正しくありません",
	"priority.oneof":       "優先度は low, normal, high, urgent のいずれかです",
	"contractAmount.gt":    "契約金額は0より大きい値を入力してください",
	"actualDate.ymd":       "実施日の形式が正しくありません",
	"notes.max":            "備考が長すぎます",
	"name.max":             "案件名が長すぎます",
	"clientName.max":       "顧客名が長すぎます",
}

// validateStruct runs v over s and converts failures to a ValidationError.
func validateStruct(v *validator.Validate, s any, reason string) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if msg, ok := fieldMessages[name+"."+fe.Tag()]; ok {
			fields[name] = msg
			continue
		}
		fields[name] = "invalid value (" + fe.Tag() + ")"
	}
	return &ValidationError{Reason: reason, Fields: fields}
}
