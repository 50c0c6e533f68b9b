package query

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/index"
)

var (
	vOnce  sync.Once
	vCheck *validator.Validate
	vTrans ut.Translator
)

// validate returns the shared validator, with json tag names in messages
// and a "sortfield" tag for index sort fields.
func validate() (*validator.Validate, ut.Translator) {
	vOnce.Do(func() {
		enLoc := en.New()
		trans, _ := ut.New(enLoc, enLoc).GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			name, _, _ := strings.Cut(tag, ",")
			return name
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		_ = v.RegisterValidation("sortfield", func(fl validator.FieldLevel) bool {
			return index.IsSortField(fl.Field().String())
		})
		_ = v.RegisterTranslation("sortfield", trans,
			func(ut ut.Translator) error {
				return ut.Add("sortfield", "{0} must be one of: {1}", true)
			},
			func(ut ut.Translator, fe validator.FieldError) string {
				msg, _ := ut.T("sortfield", fe.Field(), strings.Join(index.SortFields(), ", "))
				return msg
			},
		)
		_ = v.RegisterTranslation("min", trans,
			func(ut ut.Translator) error {
				return ut.Add("min", "{0} must be at least {1}", true)
			},
			func(ut ut.Translator, fe validator.FieldError) string {
				msg, _ := ut.T("min", fe.Field(), fe.Param())
				return msg
			},
		)
		vCheck, vTrans = v, trans
	})
	return vCheck, vTrans
}

// check validates a tagged struct and reports the first failing field as a
// *defect.ValidationError.
func check(s any) error {
	v, trans := validate()
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return defect.Invalid("request", "", err.Error())
	}
	fe := verrs[0]
	value := ""
	if fe.Value() != nil {
		value = fmt.Sprint(fe.Value())
	}
	return &defect.ValidationError{Field: fe.Field(), Value: value, Reason: fe.Translate(trans)}
}
