package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// ValidationError describes the first value that does not satisfy a schema.
type ValidationError struct {
	Path        string
	Expected    string
	Actual      string
	ActualValue any
	Message     string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" && e.Expected == "" {
		if e.Path == "" {
			return e.Message
		}
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	detail := formatActualDetail(e.Actual, e.ActualValue)
	if e.Path == "" {
		return fmt.Sprintf("expected %s, got %s", e.Expected, detail)
	}
	return fmt.Sprintf("%s: expected %s, got %s", e.Path, e.Expected, detail)
}

// ValidateObject checks a decoded document against an object schema.
func ValidateObject(s *jsonschema.Schema, object map[string]any) error {
	if s == nil {
		return nil
	}
	return validate(s, object, "")
}

// ValidateValue checks any decoded value against s.
func ValidateValue(s *jsonschema.Schema, value any) error {
	if s == nil {
		return nil
	}
	return validate(s, value, "")
}

func validate(s *jsonschema.Schema, value any, path string) error {
	if value == nil {
		if allowsNull(s) {
			return nil
		}
		return &ValidationError{Path: path, Expected: expectedType(s), Actual: "null"}
	}

	if len(s.AnyOf) > 0 {
		for _, option := range s.AnyOf {
			if validate(option, value, path) == nil {
				return nil
			}
		}
		return mismatch(path, expectedType(s), value)
	}
	if len(s.OneOf) > 0 {
		matched := 0
		for _, option := range s.OneOf {
			if validate(option, value, path) == nil {
				matched++
			}
		}
		if matched == 1 {
			return nil
		}
		return mismatch(path, expectedType(s), value)
	}

	switch resolvedType(s) {
	case "object":
		object, ok := asStringMap(value)
		if !ok {
			return mismatch(path, "object", value)
		}
		return validateProperties(s, object, path)
	case "array":
		array, ok := asSlice(value)
		if !ok {
			return mismatch(path, "array", value)
		}
		if s.Items == nil {
			return nil
		}
		for index, entry := range array {
			if err := validate(s.Items, entry, fmt.Sprintf("%s[%d]", path, index)); err != nil {
				return err
			}
		}
		return nil
	case "string":
		if _, ok := value.(string); !ok {
			return mismatch(path, "string", value)
		}
		return validateEnum(s, value, path)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return mismatch(path, "boolean", value)
		}
		return nil
	case "integer":
		if !isInteger(value) {
			return mismatch(path, "integer", value)
		}
		return nil
	case "number":
		if !isNumber(value) {
			return mismatch(path, "number", value)
		}
		return nil
	case "null":
		return mismatch(path, "null", value)
	default:
		return nil
	}
}

func mismatch(path, expected string, value any) *ValidationError {
	return &ValidationError{Path: path, Expected: expected, Actual: actualType(value), ActualValue: value}
}

func validateProperties(s *jsonschema.Schema, object map[string]any, path string) error {
	for _, required := range s.Required {
		if _, ok := object[required]; !ok {
			return &ValidationError{Path: joinPath(path, required), Message: "missing required field"}
		}
	}

	properties := map[string]*jsonschema.Schema{}
	if s.Properties != nil {
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			properties[pair.Key] = pair.Value
		}
	}

	for key, value := range object {
		propertyPath := joinPath(path, key)
		if property, ok := properties[key]; ok {
			if err := validate(property, value, propertyPath); err != nil {
				return err
			}
			continue
		}
		if s.AdditionalProperties == nil {
			continue
		}
		if isFalseSchema(s.AdditionalProperties) {
			return &ValidationError{Path: propertyPath, Message: "unknown field"}
		}
		if err := validate(s.AdditionalProperties, value, propertyPath); err != nil {
			return err
		}
	}
	return nil
}

func validateEnum(s *jsonschema.Schema, value any, path string) error {
	if len(s.Enum) == 0 {
		return nil
	}
	options := make([]string, 0, len(s.Enum))
	for _, candidate := range s.Enum {
		if reflect.DeepEqual(candidate, value) {
			return nil
		}
		options = append(options, fmt.Sprint(candidate))
	}
	return &ValidationError{
		Path:        path,
		Expected:    "one of " + strings.Join(options, ", "),
		Actual:      actualType(value),
		ActualValue: value,
	}
}

func resolvedType(s *jsonschema.Schema) string {
	if s == nil {
		return ""
	}
	if s.Type != "" {
		return s.Type
	}
	if s.Properties != nil || s.AdditionalProperties != nil {
		return "object"
	}
	if s.Items != nil || len(s.PrefixItems) > 0 {
		return "array"
	}
	return ""
}

func allowsNull(s *jsonschema.Schema) bool {
	if s == nil {
		return false
	}
	if s.Type == "null" {
		return true
	}
	for _, option := range append(append([]*jsonschema.Schema{}, s.AnyOf...), s.OneOf...) {
		if resolvedType(option) == "null" {
			return true
		}
	}
	return false
}

func expectedType(s *jsonschema.Schema) string {
	if s == nil {
		return "unknown"
	}
	if s.Type != "" {
		return s.Type
	}
	var types []string
	for _, option := range append(append([]*jsonschema.Schema{}, s.AnyOf...), s.OneOf...) {
		if t := resolvedType(option); t != "" {
			types = append(types, t)
		}
	}
	if len(types) == 0 {
		return "unknown"
	}
	return strings.Join(types, " or ")
}

func actualType(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float32, float64, json.Number:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	}
	if _, ok := asStringMap(value); ok {
		return "object"
	}
	if _, ok := asSlice(value); ok {
		return "array"
	}
	return fmt.Sprintf("%T", value)
}

func asStringMap(value any) (map[string]any, bool) {
	if typed, ok := value.(map[string]any); ok {
		return typed, true
	}
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Map || val.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	result := make(map[string]any, val.Len())
	iter := val.MapRange()
	for iter.Next() {
		result[iter.Key().String()] = iter.Value().Interface()
	}
	return result, true
}

func asSlice(value any) ([]any, bool) {
	if typed, ok := value.([]any); ok {
		return typed, true
	}
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, false
	}
	result := make([]any, val.Len())
	for i := 0; i < val.Len(); i++ {
		result[i] = val.Index(i).Interface()
	}
	return result, true
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func isFalseSchema(s *jsonschema.Schema) bool {
	if s == nil {
		return false
	}
	marshaled, err := json.Marshal(s)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(marshaled)) == "false"
}

func isInteger(value any) bool {
	switch typed := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return typed == float32(int64(typed))
	case float64:
		return typed == float64(int64(typed))
	case json.Number:
		_, err := typed.Int64()
		return err == nil
	}
	return false
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func formatActualDetail(actualType string, value any) string {
	actualType = strings.TrimSpace(actualType)
	formatted := formatValue(value)
	if formatted == "" {
		return actualType
	}
	if actualType == "" {
		return formatted
	}
	return fmt.Sprintf("%s (%s)", actualType, formatted)
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	const maxLength = 160
	text := string(payload)
	if len(text) > maxLength {
		return text[:maxLength-3] + "..."
	}
	return text
}
