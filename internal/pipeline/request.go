package pipeline

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// RawInput is one document handed to the pipeline by a connector.
type RawInput struct {
	Source       string         `json:"source" yaml:"source" validate:"required"`
	SourceURL    string         `json:"source_url,omitempty" yaml:"source_url" validate:"omitempty,url"`
	ExternalID   string         `json:"external_id,omitempty" yaml:"external_id"`
	DocumentType string         `json:"document_type,omitempty" yaml:"document_type"`
	RawText      string         `json:"raw_text,omitempty" yaml:"raw_text"`
	RawJSON      map[string]any `json:"raw_json,omitempty" yaml:"raw_json"`
	FetchedAt    *time.Time     `json:"fetched_at,omitempty" yaml:"fetched_at"`
}

// RunRequest is a single pipeline invocation.
type RunRequest struct {
	RunID     string     `json:"run_id" yaml:"run_id" validate:"required"`
	TenantID  string     `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Source    string     `json:"source" yaml:"source" validate:"required"`
	Cursor    string     `json:"cursor,omitempty" yaml:"cursor"`
	Documents []RawInput `json:"documents" yaml:"documents" validate:"min=1,dive"`
}

// RequestError lists everything wrong with a RunRequest.
type RequestError struct {
	Problems []string
}

func (e *RequestError) Error() string {
	return "pipeline: invalid run request: " + strings.Join(e.Problems, "; ")
}

// Normalize fills defaults: a run_<unix-ms> run id and the request source on
// documents that do not name their own.
func (r *RunRequest) Normalize(now time.Time) {
	r.RunID = strings.TrimSpace(r.RunID)
	if r.RunID == "" {
		r.RunID = fmt.Sprintf("run_%d", now.UnixMilli())
	}
	for i := range r.Documents {
		if r.Documents[i].Source == "" {
			r.Documents[i].Source = r.Source
		}
	}
}

// Validate checks the request shape.
func (r *RunRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return &RequestError{Problems: []string{err.Error()}}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			problems = append(problems, field+" is required")
		case "min":
			problems = append(problems, fmt.Sprintf("%s must contain at least %s item(s)", field, fe.Param()))
		case "url":
			problems = append(problems, field+" must be a URL")
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return &RequestError{Problems: problems}
}
