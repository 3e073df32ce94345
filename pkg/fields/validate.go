package fields

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pcutils/pcutils/pkg/manifest"
	"github.com/pcutils/pcutils/pkg/values"
)

// Validation messages shown next to the offending field.
const (
	MsgRequired      = "Ce champ est obligatoire"
	MsgNotEmpty      = "Ce champ ne peut pas être vide"
	MsgMinLength     = "La longueur minimale est de %d caractères"
	MsgMaxLength     = "La longueur maximale est de %d caractères"
	MsgNoSpaces      = "Les espaces ne sont pas autorisés"
	MsgInvalidIP     = "IP invalide"
	MsgMissingDir    = "Le répertoire n'existe pas"
	MsgInvalidOption = "Valeur non autorisée"
)

var validate = validator.New()

// ValidateValue checks v against the schema constraints. It returns
// (true, "") when v is acceptable, otherwise false and a message.
func ValidateValue(schema *manifest.FieldSchema, v any) (bool, string) {
	switch {
	case schema.Type.IsString():
		return validateString(schema, values.String(v))
	case schema.Type == manifest.FieldSelect:
		s := values.String(v)
		if s == "" || s == noOptionsValue {
			if schema.Required {
				return false, MsgRequired
			}
			return true, ""
		}
		return true, ""
	case schema.Type == manifest.FieldCheckboxGroup:
		if schema.Required && len(values.Strings(v)) == 0 {
			return false, MsgRequired
		}
	}
	return true, ""
}

func validateString(schema *manifest.FieldSchema, s string) (bool, string) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		switch {
		case schema.NotEmpty:
			return false, MsgNotEmpty
		case schema.Required:
			return false, MsgRequired
		}
		return true, ""
	}

	if schema.MinLength > 0 && validate.Var(s, fmt.Sprintf("min=%d", schema.MinLength)) != nil {
		return false, fmt.Sprintf(MsgMinLength, schema.MinLength)
	}
	if schema.MaxLength > 0 && validate.Var(s, fmt.Sprintf("max=%d", schema.MaxLength)) != nil {
		return false, fmt.Sprintf(MsgMaxLength, schema.MaxLength)
	}
	if schema.NoSpaces && strings.ContainsAny(s, " \t") {
		return false, MsgNoSpaces
	}

	switch schema.Type {
	case manifest.FieldIP:
		if !IsIPv4(trimmed) {
			return false, MsgInvalidIP
		}
	case manifest.FieldDirectory:
		if schema.MustExist {
			if info, err := os.Stat(trimmed); err != nil || !info.IsDir() {
				return false, MsgMissingDir
			}
		}
	}
	return true, ""
}

// IsIPv4 reports whether s is four dotted decimal octets in [0,255].
func IsIPv4(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	return validate.Var(s, "ipv4") == nil
}
