package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	FormatStandard = "STANDARD"
	FormatHisto    = "HISTO"
)

type Detection struct {
	Extensions      []string `json:"extensions" yaml:"extensions" validate:"dive,required"`
	FilenamePattern string   `json:"filename_pattern,omitempty" yaml:"filename_pattern,omitempty"`
	RequiredHeaders []string `json:"required_headers,omitempty" yaml:"required_headers,omitempty" validate:"dive,required"`
	RequiredText    []string `json:"required_text,omitempty" yaml:"required_text,omitempty" validate:"dive,required"`
}

// ParserConfig selects the row layout and optional column overrides.
type ParserConfig struct {
	Format  string         `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=STANDARD HISTO"`
	Columns map[string]int `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// Profile is a detection and mapping definition for one provider format.
type Profile struct {
	ProfileID           string       `json:"profile_id" yaml:"profile_id" validate:"required,profile_id"`
	Name                string       `json:"name" yaml:"name" validate:"required"`
	Version             string       `json:"version,omitempty" yaml:"version,omitempty"`
	VersionNumber       int          `json:"version_number" yaml:"version_number"`
	Priority            int          `json:"priority" yaml:"priority"`
	SourceTimezone      string       `json:"source_timezone" yaml:"source_timezone" validate:"omitempty,timezone"`
	ProviderCode        string       `json:"provider_code,omitempty" yaml:"provider_code,omitempty"`
	ConfidenceThreshold float64      `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0"`
	Detection           Detection    `json:"detection" yaml:"detection"`
	ParserConfig        ParserConfig `json:"parser_config" yaml:"parser_config"`
	Active              bool         `json:"is_active" yaml:"is_active"`
	UpdatedAt           *time.Time   `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Location resolves the source timezone, falling back to def.
func (p *Profile) Location(def *time.Location) *time.Location {
	if p == nil || p.SourceTimezone == "" {
		return def
	}
	loc, err := time.LoadLocation(p.SourceTimezone)
	if err != nil {
		return def
	}
	return loc
}

// AcceptsExtension reports whether ext passes the hard extension filter. A
// profile without extensions accepts everything.
func (p *Profile) AcceptsExtension(ext string) bool {
	if len(p.Detection.Extensions) == 0 {
		return true
	}
	ext = normalizeExt(ext)
	for _, e := range p.Detection.Extensions {
		if normalizeExt(e) == ext {
			return true
		}
	}
	return false
}

func (p *Profile) Format() string {
	return strings.ToUpper(strings.TrimSpace(p.ParserConfig.Format))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func applyDefaults(p *Profile) {
	if p.SourceTimezone == "" {
		p.SourceTimezone = "Europe/Paris"
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = 2.0
	}
	if p.VersionNumber == 0 {
		p.VersionNumber = 1
	}
	p.ParserConfig.Format = p.Format()
	for i, e := range p.Detection.Extensions {
		p.Detection.Extensions[i] = normalizeExt(e)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("profile_id", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		if id == "" {
			return false
		}
		for _, r := range id {
			if r != '_' && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
				return false
			}
		}
		return true
	})
	return v
}

// Validate applies defaults then checks the profile's structure.
func Validate(p *Profile) error {
	if p == nil {
		return errors.New("nil profile")
	}
	applyDefaults(p)
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("profile %q: %s failed on %s", p.ProfileID, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("profile %q: %w", p.ProfileID, err)
	}
	return nil
}
