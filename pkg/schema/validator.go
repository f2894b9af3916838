package schema

import (
	"context"
	"fmt"
	"regexp"
)

// compiledRules carries a property's validation rules with the pattern
// pre-compiled and the enum indexed, so per-item validation never repeats
// compilation work.
type compiledRules struct {
	rules   *ValidationRules
	pattern *regexp.Regexp
	enum    map[string]struct{}
}

type compiledProperty struct {
	typ        PropertyType
	required   bool
	rules      *compiledRules
	properties map[string]*compiledProperty
	items      *compiledProperty
}

// Compiled is a schema prepared for repeated validation.
type Compiled struct {
	name    string
	root    *compiledProperty
	formats map[string]FormatValidator
}

// Compile prepares a schema for validation, compiling regex patterns and
// indexing enums once. Returns an error for a malformed pattern rather than
// surfacing it per item.
func Compile(s *Schema) (*Compiled, error) {
	if s == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}

	root, err := compileProperty(&Property{
		Type:       s.Type,
		Properties: s.Properties,
		Items:      s.Items,
	}, "root")
	if err != nil {
		return nil, err
	}

	return &Compiled{
		name:    s.Name,
		root:    root,
		formats: defaultFormats(),
	}, nil
}

func compileProperty(p *Property, path string) (*compiledProperty, error) {
	cp := &compiledProperty{
		typ:      p.Type,
		required: p.Required,
	}

	if p.Validation != nil {
		cr := &compiledRules{rules: p.Validation}
		if p.Validation.Pattern != "" {
			re, err := regexp.Compile(p.Validation.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern at %s: %w", path, err)
			}
			cr.pattern = re
		}
		if len(p.Validation.Enum) > 0 {
			cr.enum = make(map[string]struct{}, len(p.Validation.Enum))
			for _, e := range p.Validation.Enum {
				cr.enum[e] = struct{}{}
			}
		}
		cp.rules = cr
	}

	if len(p.Properties) > 0 {
		cp.properties = make(map[string]*compiledProperty, len(p.Properties))
		for name, child := range p.Properties {
			childCompiled, err := compileProperty(child, path+"."+name)
			if err != nil {
				return nil, err
			}
			cp.properties[name] = childCompiled
		}
	}

	if p.Items != nil {
		itemsCompiled, err := compileProperty(p.Items, path+"[]")
		if err != nil {
			return nil, err
		}
		cp.items = itemsCompiled
	}

	return cp, nil
}

// RegisterFormat registers a custom format validator on the compiled schema.
func (c *Compiled) RegisterFormat(format string, validator FormatValidator) {
	c.formats[format] = validator
}

// Name returns the schema name.
func (c *Compiled) Name() string {
	return c.name
}

// Validate walks the candidate value against the compiled schema. The walk
// checks the context at every property boundary, so a cancelled deadline
// stops the work itself instead of abandoning it; the context error is
// returned in that case.
func (c *Compiled) Validate(ctx context.Context, data any) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true, Errors: []ValidationError{}}

	errs, err := c.validateValue(ctx, data, c.root, "root")
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		result.Valid = false
		result.Errors = errs
	}
	return result, nil
}

func (c *Compiled) validateValue(ctx context.Context, value any, prop *compiledProperty, path string) ([]ValidationError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []ValidationError

	if value == nil {
		if prop.required {
			errs = append(errs, ValidationError{Path: path, Message: "field is required", Code: "REQUIRED"})
		}
		return errs, nil
	}

	switch prop.typ {
	case TypeString:
		if str, ok := value.(string); ok {
			errs = append(errs, c.validateString(str, prop.rules, path)...)
		} else {
			errs = append(errs, typeMismatch(path, "string", value))
		}

	case TypeNumber:
		num, ok := toFloat(value)
		if !ok {
			errs = append(errs, typeMismatch(path, "number", value))
			return errs, nil
		}
		errs = append(errs, validateNumber(num, prop.rules, path)...)

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			errs = append(errs, typeMismatch(path, "boolean", value))
		}

	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			errs = append(errs, typeMismatch(path, "array", value))
			return errs, nil
		}
		arrErrs, err := c.validateArray(ctx, arr, prop, path)
		if err != nil {
			return nil, err
		}
		errs = append(errs, arrErrs...)

	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			errs = append(errs, typeMismatch(path, "object", value))
			return errs, nil
		}
		objErrs, err := c.validateObject(ctx, obj, prop, path)
		if err != nil {
			return nil, err
		}
		errs = append(errs, objErrs...)

	case TypeAny:
		// No validation for any-typed properties.
	}

	return errs, nil
}

func (c *Compiled) validateString(value string, cr *compiledRules, path string) []ValidationError {
	var errs []ValidationError
	if cr == nil {
		return errs
	}
	rules := cr.rules

	if rules.MinLength != nil && len(value) < *rules.MinLength {
		errs = append(errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("length %d is less than minimum %d", len(value), *rules.MinLength),
			Code:    "MIN_LENGTH",
		})
	}
	if rules.MaxLength != nil && len(value) > *rules.MaxLength {
		errs = append(errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("length %d exceeds maximum %d", len(value), *rules.MaxLength),
			Code:    "MAX_LENGTH",
		})
	}
	if cr.pattern != nil && !cr.pattern.MatchString(value) {
		errs = append(errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("value does not match pattern '%s'", rules.Pattern),
			Code:    "PATTERN_MISMATCH",
		})
	}
	if rules.Format != "" {
		if validator, exists := c.formats[rules.Format]; exists {
			if !validator(value) {
				errs = append(errs, ValidationError{
					Path:    path,
					Message: fmt.Sprintf("value does not match format '%s'", rules.Format),
					Code:    "FORMAT_MISMATCH",
				})
			}
		} else {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("unknown format validator: %s", rules.Format),
				Code:    "UNKNOWN_FORMAT",
			})
		}
	}
	if cr.enum != nil {
		if _, ok := cr.enum[value]; !ok {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("value '%s' not in allowed values %v", value, rules.Enum),
				Code:    "ENUM_MISMATCH",
			})
		}
	}
	return errs
}

func validateNumber(value float64, cr *compiledRules, path string) []ValidationError {
	var errs []ValidationError
	if cr == nil {
		return errs
	}
	rules := cr.rules

	if rules.Minimum != nil && value < *rules.Minimum {
		errs = append(errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("value %f is less than minimum %f", value, *rules.Minimum),
			Code:    "MIN_VALUE",
		})
	}
	if rules.Maximum != nil && value > *rules.Maximum {
		errs = append(errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("value %f exceeds maximum %f", value, *rules.Maximum),
			Code:    "MAX_VALUE",
		})
	}
	return errs
}

func (c *Compiled) validateArray(ctx context.Context, arr []any, prop *compiledProperty, path string) ([]ValidationError, error) {
	var errs []ValidationError

	if prop.rules != nil {
		rules := prop.rules.rules
		if rules.MinItems != nil && len(arr) < *rules.MinItems {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("array length %d is less than minimum %d", len(arr), *rules.MinItems),
				Code:    "MIN_ITEMS",
			})
		}
		if rules.MaxItems != nil && len(arr) > *rules.MaxItems {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: fmt.Sprintf("array length %d exceeds maximum %d", len(arr), *rules.MaxItems),
				Code:    "MAX_ITEMS",
			})
		}
		if rules.UniqueItems {
			seen := make(map[string]bool, len(arr))
			for i, item := range arr {
				key := fmt.Sprintf("%v", item)
				if seen[key] {
					errs = append(errs, ValidationError{
						Path:    fmt.Sprintf("%s[%d]", path, i),
						Message: "duplicate item found",
						Code:    "DUPLICATE_ITEM",
					})
					break
				}
				seen[key] = true
			}
		}
	}

	if prop.items != nil {
		for i, item := range arr {
			itemErrs, err := c.validateValue(ctx, item, prop.items, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			errs = append(errs, itemErrs...)
		}
	}

	return errs, nil
}

func (c *Compiled) validateObject(ctx context.Context, obj map[string]any, prop *compiledProperty, path string) ([]ValidationError, error) {
	var errs []ValidationError
	if prop.properties == nil {
		return errs, nil
	}

	for propName, propDef := range prop.properties {
		value, exists := obj[propName]
		propPath := path + "." + propName

		if !exists {
			if propDef.required {
				errs = append(errs, ValidationError{Path: propPath, Message: "required field missing", Code: "REQUIRED"})
			}
			continue
		}

		childErrs, err := c.validateValue(ctx, value, propDef, propPath)
		if err != nil {
			return nil, err
		}
		errs = append(errs, childErrs...)
	}

	return errs, nil
}

func typeMismatch(path, expected string, value any) ValidationError {
	return ValidationError{
		Path:    path,
		Message: fmt.Sprintf("expected %s, got %T", expected, value),
		Code:    "TYPE_MISMATCH",
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
