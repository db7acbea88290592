package booking

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/go-playground/validator/v10"

	"subrent/pkg/dates"
)

const (
	MaxSubdomainLength = 63
	// MaxIconLength counts UTF-16 code units, so one emoji may take two.
	MaxIconLength = 10
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
		return subdomainPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("daykey", func(fl validator.FieldLevel) bool {
		return dates.DayKey(fl.Field().String()).Valid()
	})
	return v
}

// IconValidator judges whether a string is an acceptable display icon.
type IconValidator func(icon string) bool

// ValidIcon accepts up to MaxIconLength code units containing at least one
// pictographic symbol.
func ValidIcon(icon string) bool {
	if icon == "" || len(utf16.Encode([]rune(icon))) > MaxIconLength {
		return false
	}
	for _, r := range icon {
		if isSymbol(r) {
			return true
		}
	}
	return false
}

func isSymbol(r rune) bool {
	switch {
	case unicode.Is(unicode.So, r):
		return true
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return false
}

// NormalizeSubdomain lowercases and trims a subdomain name. The result still
// has to pass validation.
func NormalizeSubdomain(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Request is a parsed booking submission.
type Request struct {
	Subdomain string         `validate:"required,max=63,subdomain"`
	Icon      string         `validate:"required"`
	OwnerID   string         `validate:"required"`
	Days      []dates.DayKey `validate:"required,min=1,dive,daykey"`
}

// NewRequest parses raw form values. Days may be plain dates or RFC 3339
// timestamps; duplicates collapse.
func NewRequest(subdomain, icon, ownerID string, rawDays []string) (Request, error) {
	req := Request{
		Subdomain: NormalizeSubdomain(subdomain),
		Icon:      strings.TrimSpace(icon),
		OwnerID:   ownerID,
	}
	days := make([]dates.DayKey, 0, len(rawDays))
	for _, raw := range rawDays {
		d, err := dates.Parse(raw)
		if err != nil {
			return Request{}, &ValidationError{Field: "days", Message: err.Error()}
		}
		days = append(days, d)
	}
	req.Days = dates.Unique(days)
	return req, nil
}

func (r Request) validate(validIcon IconValidator) error {
	if err := validate.Struct(r); err != nil {
		return translate(err)
	}
	if !validIcon(r.Icon) {
		return &ValidationError{Field: "icon", Message: "please enter a valid emoji (maximum 10 characters)"}
	}
	return nil
}

func validateSubdomain(name string) error {
	if err := validate.Var(name, "required,max=63,subdomain"); err != nil {
		return translate(err)
	}
	return nil
}

func translate(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &ValidationError{Field: "request", Message: err.Error()}
	}
	fe := errs[0]
	switch {
	case strings.HasPrefix(fe.StructField(), "Days"):
		if fe.Tag() == "daykey" {
			return &ValidationError{Field: "days", Message: "dates must be YYYY-MM-DD"}
		}
		return &ValidationError{Field: "days", Message: "at least one date is required"}
	case fe.StructField() == "Icon":
		return &ValidationError{Field: "icon", Message: "icon is required"}
	case fe.StructField() == "OwnerID":
		return &ValidationError{Field: "owner", Message: "owner is required"}
	}
	// Subdomain, either as a struct field or a bare Var check
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: "subdomain", Message: "subdomain is required"}
	case "max":
		return &ValidationError{Field: "subdomain", Message: "subdomain must be at most 63 characters"}
	default:
		return &ValidationError{Field: "subdomain", Message: "subdomain can only have lowercase letters, numbers, and hyphens"}
	}
}
