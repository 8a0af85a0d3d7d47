// Package validation checks lookup inputs before any backend is touched.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// MaxLocationLen matches the width of the audit log's city_name column.
const MaxLocationLen = 100

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrCoordinatesInvalid is returned for unparseable or out-of-range coordinates.
var ErrCoordinatesInvalid = errors.New("invalid coordinates")

// ValidateLocation trims the input, enforces the maximum length in runes and
// restricts to letters (Unicode), digits, space, comma, hyphen, period and apostrophe.
// Returns the trimmed string. Case folding is left to the cache key.
func ValidateLocation(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if n > MaxLocationLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

type coordinates struct {
	Lat float64 `validate:"latitude"`
	Lon float64 `validate:"longitude"`
}

var coordValidator = validator.New()

// ValidateCoordinates checks lat is within [-90, 90] and lon within [-180, 180].
func ValidateCoordinates(lat, lon float64) error {
	if err := coordValidator.Struct(coordinates{Lat: lat, Lon: lon}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s out of range", ErrCoordinatesInvalid, strings.ToLower(verrs[0].Field()))
		}
		return fmt.Errorf("%w: %v", ErrCoordinatesInvalid, err)
	}
	return nil
}

// ParseCoordinates parses and validates query-string coordinates.
func ParseCoordinates(latStr, lonStr string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lat must be a number", ErrCoordinatesInvalid)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lon must be a number", ErrCoordinatesInvalid)
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}
