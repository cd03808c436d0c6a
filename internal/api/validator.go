package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// bindJSON parses the body into dst and runs struct validation.
func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusBadRequest, describe(verrs))
	}
	return nil
}

func describe(errs validator.ValidationErrors) string {
	var b strings.Builder
	for _, err := range errs {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		field := strings.ToLower(err.Field())
		switch err.Tag() {
		case "required":
			fmt.Fprintf(&b, "%s is required", field)
		case "oneof":
			fmt.Fprintf(&b, "%s must be one of [%s]", field, err.Param())
		case "gt":
			fmt.Fprintf(&b, "%s must be greater than %s", field, err.Param())
		case "max":
			if err.Kind() == reflect.String {
				fmt.Fprintf(&b, "%s must be at most %s characters", field, err.Param())
			} else {
				fmt.Fprintf(&b, "%s must be at most %s", field, err.Param())
			}
		default:
			fmt.Fprintf(&b, "%s failed %s validation", field, err.Tag())
		}
	}
	return b.String()
}
