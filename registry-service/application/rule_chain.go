package application

import (
	"context"
	"fmt"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
)

// RuleChain runs an ordered list of validation rules. Every rule runs
// unconditionally and results are concatenated in registration order, so
// identical input and reference data always produce the identical issue
// list.
type RuleChain struct {
	rules []domain.Rule
}

// NewRuleChain creates a chain over the given rules; their order is the
// output order
func NewRuleChain(rules ...domain.Rule) *RuleChain {
	return &RuleChain{rules: rules}
}

// Evaluate runs the whole chain
func (c *RuleChain) Evaluate(ctx context.Context, record *domain.StudentRecord) []domain.Issue {
	var issues []domain.Issue
	for _, rule := range c.rules {
		issues = append(issues, rule.Evaluate(ctx, record)...)
	}
	return issues
}

// RequiredFieldsRule flags missing mandatory demographics
type RequiredFieldsRule struct{}

func (RequiredFieldsRule) Name() string {
	return "required-fields"
}

func (RequiredFieldsRule) Evaluate(_ context.Context, record *domain.StudentRecord) []domain.Issue {
	var issues []domain.Issue

	required := []struct {
		field string
		value string
	}{
		{"first_name", record.FirstName},
		{"last_name", record.LastName},
		{"birth_date", record.BirthDate},
		{"school_code", record.SchoolCode},
	}

	for _, f := range required {
		if f.value == "" {
			issues = append(issues, domain.Issue{
				Field:    f.field,
				Severity: domain.SeverityError,
				Message:  fmt.Sprintf("%s is required", f.field),
			})
		}
	}

	return issues
}

// BirthDateRule checks the birth date parses and is not in the future
type BirthDateRule struct{}

func (BirthDateRule) Name() string {
	return "birth-date"
}

func (BirthDateRule) Evaluate(_ context.Context, record *domain.StudentRecord) []domain.Issue {
	if record.BirthDate == "" {
		// Missing values belong to the required-fields rule
		return nil
	}

	birthDate, err := time.Parse("2006-01-02", record.BirthDate)
	if err != nil {
		return []domain.Issue{{
			Field:    "birth_date",
			Severity: domain.SeverityError,
			Message:  "birth_date must be formatted YYYY-MM-DD",
		}}
	}

	if birthDate.After(time.Now()) {
		return []domain.Issue{{
			Field:    "birth_date",
			Severity: domain.SeverityError,
			Message:  "birth_date cannot be in the future",
		}}
	}

	if birthDate.Before(time.Now().AddDate(-120, 0, 0)) {
		return []domain.Issue{{
			Field:    "birth_date",
			Severity: domain.SeverityWarning,
			Message:  "birth_date is implausibly old",
		}}
	}

	return nil
}

// CodeTableRule checks one field against a cached reference code set
type CodeTableRule struct {
	codes    domain.CodeLookup
	codeSet  string
	field    string
	severity domain.Severity
	value    func(*domain.StudentRecord) string
}

// NewSchoolCodeRule validates school_code against the SCHOOL code set
func NewSchoolCodeRule(codes domain.CodeLookup) *CodeTableRule {
	return &CodeTableRule{
		codes:    codes,
		codeSet:  domain.CodeSetSchool,
		field:    "school_code",
		severity: domain.SeverityError,
		value:    func(r *domain.StudentRecord) string { return r.SchoolCode },
	}
}

// NewSourceCodeRule validates source_code against the SOURCE code set
func NewSourceCodeRule(codes domain.CodeLookup) *CodeTableRule {
	return &CodeTableRule{
		codes:    codes,
		codeSet:  domain.CodeSetSource,
		field:    "source_code",
		severity: domain.SeverityWarning,
		value:    func(r *domain.StudentRecord) string { return r.SourceCode },
	}
}

// NewGradeCodeRule validates grade_code against the GRADE code set
func NewGradeCodeRule(codes domain.CodeLookup) *CodeTableRule {
	return &CodeTableRule{
		codes:    codes,
		codeSet:  domain.CodeSetGrade,
		field:    "grade_code",
		severity: domain.SeverityError,
		value:    func(r *domain.StudentRecord) string { return r.GradeCode },
	}
}

func (r *CodeTableRule) Name() string {
	return "code-table-" + r.field
}

func (r *CodeTableRule) Evaluate(_ context.Context, record *domain.StudentRecord) []domain.Issue {
	code := r.value(record)
	if code == "" {
		return nil
	}

	if _, ok := r.codes.Lookup(r.codeSet, code); !ok {
		return []domain.Issue{{
			Field:    r.field,
			Severity: r.severity,
			Message:  fmt.Sprintf("%s %q is not a known %s code", r.field, code, r.codeSet),
		}}
	}

	return nil
}
