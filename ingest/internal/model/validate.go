package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxNameLen        = 300
	maxDescriptionLen = 5000
	maxIngredients    = 200
	maxInstructions   = 200
	maxLineLen        = 4000
)

var isoDurationRe = regexp.MustCompile(`^P(?:\d+D)?(?:T(?:\d+H)?(?:\d+M)?(?:\d+(?:\.\d+)?S)?)?$`)

// ValidateRecipe checks a recipe against the canonical schema. Errors block
// commit; warnings are shown to the reviewer.
func ValidateRecipe(r *Recipe) ValidationReport {
	rep := ValidationReport{Errors: []Issue{}, Warnings: []Issue{}}
	errf := func(field, code, format string, args ...any) {
		rep.Errors = append(rep.Errors, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(field, code, format string, args ...any) {
		rep.Warnings = append(rep.Warnings, Issue{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}
	if r == nil {
		errf("", "MISSING_RECIPE", "recipe is missing")
		return rep
	}

	name := strings.TrimSpace(r.Name)
	switch {
	case name == "":
		errf("name", "MISSING_NAME", "name is required")
	case len(name) > maxNameLen:
		errf("name", "NAME_TOO_LONG", "name exceeds %d characters", maxNameLen)
	}
	if len(r.Description) > maxDescriptionLen {
		errf("description", "DESCRIPTION_TOO_LONG", "description exceeds %d characters", maxDescriptionLen)
	} else if strings.TrimSpace(r.Description) == "" {
		warnf("description", "MISSING_DESCRIPTION", "no description")
	}

	switch {
	case len(r.Ingredients) == 0:
		errf("ingredients", "MISSING_INGREDIENTS", "at least one ingredient is required")
	case len(r.Ingredients) > maxIngredients:
		errf("ingredients", "TOO_MANY_INGREDIENTS", "more than %d ingredients", maxIngredients)
	}
	for i, in := range r.Ingredients {
		field := fmt.Sprintf("ingredients[%d]", i)
		if strings.TrimSpace(in.Raw) == "" && strings.TrimSpace(in.Name) == "" {
			errf(field, "EMPTY_INGREDIENT", "ingredient is empty")
		} else if len(in.Raw) > maxLineLen {
			errf(field, "LINE_TOO_LONG", "ingredient exceeds %d characters", maxLineLen)
		}
	}

	switch {
	case len(r.Instructions) == 0:
		errf("instructions", "MISSING_INSTRUCTIONS", "at least one instruction is required")
	case len(r.Instructions) > maxInstructions:
		errf("instructions", "TOO_MANY_INSTRUCTIONS", "more than %d instructions", maxInstructions)
	}
	for i, step := range r.Instructions {
		field := fmt.Sprintf("instructions[%d]", i)
		if strings.TrimSpace(step) == "" {
			errf(field, "EMPTY_INSTRUCTION", "instruction is empty")
		} else if len(step) > maxLineLen {
			errf(field, "LINE_TOO_LONG", "instruction exceeds %d characters", maxLineLen)
		}
	}

	if strings.TrimSpace(r.Yield) == "" {
		warnf("yield", "MISSING_YIELD", "no yield")
	}
	if r.PrepTime == "" && r.CookTime == "" && r.TotalTime == "" {
		warnf("totalTime", "MISSING_TIMES", "no preparation or cooking time")
	}
	for _, d := range [...]struct{ field, v string }{
		{"prepTime", r.PrepTime}, {"cookTime", r.CookTime}, {"totalTime", r.TotalTime},
	} {
		if d.v != "" && !isoDurationRe.MatchString(d.v) {
			warnf(d.field, "INVALID_DURATION", "%q is not an ISO 8601 duration", d.v)
		}
	}
	if r.Image != "" {
		if u, err := url.Parse(r.Image); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			warnf("image", "INVALID_IMAGE_URL", "image is not an http(s) URL")
		}
	}
	return rep
}
