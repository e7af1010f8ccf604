package domain

import "context"

// Severity of a validation issue
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Issue is one finding produced by a validation rule
type Issue struct {
	Field    string   `json:"field"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// StudentRecord is the business payload validated by the rule chain and
// carried by registration workflows
type StudentRecord struct {
	StudentID  string `json:"student_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	BirthDate  string `json:"birth_date"` // YYYY-MM-DD
	GenderCode string `json:"gender_code"`
	SchoolCode string `json:"school_code"`
	GradeCode  string `json:"grade_code"`
	SourceCode string `json:"source_code"`
}

// Rule is one unit in the validation chain. Rules run unconditionally,
// never short-circuit, and must not mutate shared state; reference data
// arrives through an injected CodeLookup.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, record *StudentRecord) []Issue
}

// CodeLookup reads cached reference code tables
type CodeLookup interface {
	Lookup(set, code string) (string, bool)
}

// CodeSource loads a reference code set from its backing store
type CodeSource interface {
	LoadCodeSet(ctx context.Context, set string) (map[string]string, error)
}

// Reference code sets
const (
	CodeSetSchool = "SCHOOL"
	CodeSetSource = "SOURCE"
	CodeSetMerge  = "MERGE"
	CodeSetGrade  = "GRADE"
)
