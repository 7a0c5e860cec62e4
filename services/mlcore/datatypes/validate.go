// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate validates capability requests. Field names in errors are
// the JSON names.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())
	requestValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = requestValidate.RegisterValidation("nocrlf", validateNoCRLF)
}

// validateNoCRLF rejects values that could split an HTTP header.
func validateNoCRLF(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}

// Validate checks the request against its validate tags.
//
// # Outputs
//
//   - error: validator.ValidationErrors; use ValidationMessage for a
//     caller-facing description.
func (r *GenerateTextRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Validate checks that exactly one image source is set.
func (r *ClassifyImageRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ValidationMessage turns the first validation failure into a sentence,
// e.g. "prompt is required".
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := fe.Field()
	if i := strings.IndexByte(field, '['); i >= 0 {
		field = field[:i]
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return "one of imagePath or base64Image is required"
	case "excluded_with":
		return "imagePath and base64Image are mutually exclusive"
	case "required_if":
		return field + " is required when downloadAtRuntime is true"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "len", "hexadecimal":
		return field + " must be a 64 character hex sha256 digest"
	case "nocrlf":
		return field + " must not contain line breaks"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
