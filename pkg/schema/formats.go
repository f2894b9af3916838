package schema

import (
	"net/url"
	"regexp"
	"time"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidPattern  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

func validateEmail(value string) bool {
	return emailPattern.MatchString(value)
}

func validateURI(value string) bool {
	u, err := url.ParseRequestURI(value)
	return err == nil && u.Scheme != ""
}

func validateUUID(value string) bool {
	return uuidPattern.MatchString(value)
}

func validateDate(value string) bool {
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

func validateDateTime(value string) bool {
	_, err := time.Parse(time.RFC3339, value)
	return err == nil
}

// defaultFormats returns the built-in format validators.
func defaultFormats() map[string]FormatValidator {
	return map[string]FormatValidator{
		"email":    validateEmail,
		"uri":      validateURI,
		"uuid":     validateUUID,
		"date":     validateDate,
		"datetime": validateDateTime,
	}
}
