package campaign

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"campaignflow/internal/domain"
	"campaignflow/internal/pipeline"
)

//go:embed schema/brief.schema.json
var briefSchemaJSON string

var (
	briefSchemaOnce sync.Once
	briefSchema     *gojsonschema.Schema
	briefSchemaErr  error
)

func compiledBriefSchema() (*gojsonschema.Schema, error) {
	briefSchemaOnce.Do(func() {
		briefSchema, briefSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(briefSchemaJSON))
	})
	return briefSchema, briefSchemaErr
}

// ValidateBrief checks b against the brief schema and the date window rules.
// Failures are validation errors naming the offending fields.
func ValidateBrief(b domain.Brief) error {
	schema, err := compiledBriefSchema()
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("compile brief schema: %w", err))
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(b))
	if err != nil {
		return pipeline.Permanent(fmt.Errorf("validate brief: %w", err))
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			if e.Field() == "(root)" || e.Field() == "" {
				msgs = append(msgs, e.Description())
				continue
			}
			msgs = append(msgs, e.Field()+": "+e.Description())
		}
		return pipeline.Validationf("invalid brief: %s", strings.Join(msgs, "; "))
	}
	from, err := parseDate("depart_from", b.DepartFrom)
	if err != nil {
		return err
	}
	to, err := parseDate("depart_to", b.DepartTo)
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return pipeline.Validationf("invalid brief: depart_to is before depart_from")
	}
	return nil
}

func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, pipeline.Validationf("invalid brief: %s: %v", field, err)
	}
	return t, nil
}

// departWindows splits the brief's travel dates into monthly windows (YYYY-MM).
// Without dates a single open window is returned.
func departWindows(b domain.Brief) []string {
	from, _ := time.Parse(time.DateOnly, b.DepartFrom)
	to, _ := time.Parse(time.DateOnly, b.DepartTo)
	if from.IsZero() {
		return []string{""}
	}
	if to.IsZero() {
		to = from
	}
	var out []string
	for m := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(to); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format("2006-01"))
		if len(out) == maxWindows {
			break
		}
	}
	return out
}

const maxWindows = 6
