package schema

import (
	"regexp"
	"strings"
)

// SlotValidator is a named input format for elicit_input slots. Input is
// normalized before the pattern is applied so spoken variants ("wn ae 2309")
// still match.
type SlotValidator struct {
	Name      string
	Pattern   *regexp.Regexp
	Normalize func(string) string
}

// German-style plates: "WN-AE 2309", "HH AB 1234", "B MW 1".
var platePattern = regexp.MustCompile(`^[A-ZÄÖÜ]{1,3}-[A-ZÄÖÜ]{1,2} [0-9]{1,4}[EH]?$`)

var slotValidators = map[string]SlotValidator{
	"license_plate": {
		Name:      "license_plate",
		Pattern:   platePattern,
		Normalize: normalizePlate,
	},
	"email": {
		Name:      "email",
		Pattern:   regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`),
		Normalize: func(s string) string { return strings.ToLower(strings.TrimSpace(s)) },
	},
	"phone": {
		Name:      "phone",
		Pattern:   regexp.MustCompile(`^\+?[0-9]{6,15}$`),
		Normalize: normalizePhone,
	},
	"date": {
		Name:      "date",
		Pattern:   regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}|\d{1,2}\.\d{1,2}\.\d{4})$`),
		Normalize: func(s string) string { return strings.TrimSpace(s) },
	},
}

// KnownSlotValidator reports whether name is a registered validator.
func KnownSlotValidator(name string) bool {
	_, ok := slotValidators[name]
	return ok
}

// LookupSlotValidator returns the named validator.
func LookupSlotValidator(name string) (SlotValidator, bool) {
	v, ok := slotValidators[name]
	return v, ok
}

// normalizePlate upper-cases, collapses separators, and reshapes free-form
// plate input into the canonical "XX-YY 1234" form.
func normalizePlate(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(",", " ", ".", " ", "_", " ").Replace(s)
	// Split on any run of spaces or dashes.
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '-' })
	if len(fields) < 2 {
		return s
	}
	// Last field is the number block, first is the district, middle joins
	// into the letter block ("WN", "AE", "2309" -> "WN-AE 2309").
	num := fields[len(fields)-1]
	district := fields[0]
	letters := strings.Join(fields[1:len(fields)-1], "")
	if letters == "" {
		// Two fields only: try splitting a fused letter group ("WNAE 2309"
		// cannot be split reliably, keep as-is).
		return district + " " + num
	}
	return district + "-" + letters + " " + num
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
