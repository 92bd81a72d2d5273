package accounts

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxPasswordBytes is the longest password bcrypt can hash.
const MaxPasswordBytes = 72

// requestValidator reads the same `binding` tags gin validates on bind, so
// the CLI and HTTP paths share one rule set.
var requestValidator = newRequestValidator()

var tagMessages = map[string]string{
	"required": "Este campo es obligatorio.",
	"email":    "Introduzca un correo electrónico válido.",
	"oneof":    "Seleccione una opción válida.",
	"datetime": "Formato de fecha inválido, use AAAA-MM-DD.",
	"eqfield":  "Las contraseñas no coinciden.",
}

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	v.RegisterTagNameFunc(JSONFieldName)
	return v
}

// JSONFieldName reports a struct field by its JSON name in validation errors.
func JSONFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}

// FieldErrors converts tag validation failures into a ValidationError. It
// returns nil when err carries none.
func FieldErrors(err error) *ValidationError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return nil
	}
	verr := &ValidationError{}
	for _, fe := range errs {
		msg, ok := tagMessages[fe.Tag()]
		if !ok {
			msg = "Valor inválido."
		}
		verr.add(fe.Field(), msg)
	}
	return verr
}

func passwordProblems(password string) []string {
	var problems []string
	if len(password) < MinPasswordLength {
		problems = append(problems, "La contraseña debe tener al menos 8 caracteres.")
	}
	if len(password) > MaxPasswordBytes {
		problems = append(problems, "La contraseña no puede superar 72 bytes.")
	}

	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	if !upper {
		problems = append(problems, "La contraseña debe contener al menos una mayúscula.")
	}
	if !lower {
		problems = append(problems, "La contraseña debe contener al menos una minúscula.")
	}
	if !digit {
		problems = append(problems, "La contraseña debe contener al menos un número.")
	}
	return problems
}
