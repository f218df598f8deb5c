// Package outline defines the five-slide deck outline, a strict validator for it
// and a lenient parser that turns model output into one.
package outline

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Schema limits. Lengths are counted in runes.
const (
	SlideCount   = 5
	MaxTitleLen  = 120
	MinBullets   = 1
	MaxBullets   = 6
	MaxBulletLen = 200
)

var (
	ErrValidation         = errors.New("outline validation failed")
	ErrMalformedStructure = errors.New("malformed outline structure")
)

// Slide is a titled list of bullet points.
type Slide struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// Outline is the structured content of a deck: exactly SlideCount slides in order.
type Outline struct {
	Topic  string  `json:"topic"`
	Slides []Slide `json:"slides"`
}

// Titles returns the slide titles in order.
func (o Outline) Titles() []string {
	titles := make([]string, len(o.Slides))
	for i, s := range o.Slides {
		titles[i] = s.Title
	}
	return titles
}

// Clone returns a deep copy that shares no slices with o.
func (o Outline) Clone() Outline {
	out := Outline{Topic: o.Topic}
	if o.Slides == nil {
		return out
	}
	out.Slides = make([]Slide, len(o.Slides))
	for i, s := range o.Slides {
		out.Slides[i] = Slide{Title: s.Title, Bullets: append([]string(nil), s.Bullets...)}
	}
	return out
}

// ValidationError describes the first schema violation found in an outline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid outline: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validate checks candidate against the schema and returns an independent copy of it.
func Validate(candidate Outline) (Outline, error) {
	if n := len(candidate.Slides); n != SlideCount {
		return Outline{}, &ValidationError{Field: "slides", Reason: fmt.Sprintf("expected %d slides, got %d", SlideCount, n)}
	}
	for i, s := range candidate.Slides {
		field := fmt.Sprintf("slides[%d]", i)
		if err := checkText(s.Title, MaxTitleLen); err != "" {
			return Outline{}, &ValidationError{Field: field + ".title", Reason: err}
		}
		switch n := len(s.Bullets); {
		case n < MinBullets:
			return Outline{}, &ValidationError{Field: field + ".bullets", Reason: "slide has no bullets"}
		case n > MaxBullets:
			return Outline{}, &ValidationError{Field: field + ".bullets", Reason: fmt.Sprintf("at most %d bullets allowed, got %d", MaxBullets, n)}
		}
		for j, b := range s.Bullets {
			if err := checkText(b, MaxBulletLen); err != "" {
				return Outline{}, &ValidationError{Field: fmt.Sprintf("%s.bullets[%d]", field, j), Reason: err}
			}
		}
	}
	return candidate.Clone(), nil
}

func checkText(s string, max int) string {
	if strings.TrimSpace(s) == "" {
		return "must not be empty"
	}
	if n := utf8.RuneCountInString(s); n > max {
		return fmt.Sprintf("exceeds %d characters (%d)", max, n)
	}
	return ""
}
