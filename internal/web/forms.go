package web

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type registrationForm struct {
	FirstName  string `form:"first_name" validate:"required,max=50"`
	LastName   string `form:"last_name" validate:"required,max=50"`
	Tradername string `form:"tradername" validate:"required,min=3,max=30,alphanum"`
	Password   string `form:"password" validate:"required,min=4,max=128"`
}

type loginForm struct {
	Tradername string `form:"tradername" validate:"required"`
	Password   string `form:"password" validate:"required"`
}

// Passwords are taken verbatim; everything else is trimmed.
func parseRegistrationForm(r *http.Request) registrationForm {
	return registrationForm{
		FirstName:  strings.TrimSpace(r.PostForm.Get("first_name")),
		LastName:   strings.TrimSpace(r.PostForm.Get("last_name")),
		Tradername: strings.TrimSpace(r.PostForm.Get("tradername")),
		Password:   r.PostForm.Get("password"),
	}
}

func parseLoginForm(r *http.Request) loginForm {
	return loginForm{
		Tradername: strings.TrimSpace(r.PostForm.Get("tradername")),
		Password:   r.PostForm.Get("password"),
	}
}

// newValidator reports fields by their form names rather than the Go
// field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors turns a validation failure into one message per form field.
// It returns nil for errors that are not validation errors.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	errs := make(map[string]string, len(verrs))
	for _, e := range verrs {
		if _, seen := errs[e.Field()]; seen {
			continue
		}
		errs[e.Field()] = fieldMessage(e)
	}
	return errs
}

func fieldMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required."
	case "min":
		return fmt.Sprintf("Must be at least %s characters.", e.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s characters.", e.Param())
	case "alphanum":
		return "Use letters and digits only."
	default:
		return "Invalid value."
	}
}
