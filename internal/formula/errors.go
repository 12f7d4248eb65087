package formula

import "fmt"

// ErrorCode classifies a compile failure.
type ErrorCode string

// Compile error codes. All are local to one registration call; none is
// fatal to the pipeline.
const (
	CodeSyntax           ErrorCode = "syntax"
	CodeUnknownComponent ErrorCode = "unknown_component"
	CodeInvalidMetric    ErrorCode = "invalid_metric"
	CodeUnknownFormula   ErrorCode = "unknown_formula"
	CodeCycle            ErrorCode = "cycle"
	CodeDuplicateFormula ErrorCode = "duplicate_formula"
)

// CompileError reports why a formula registration failed, with the byte
// offset of the offending token in the source expression.
type CompileError struct {
	Code ErrorCode
	Pos  int
	Msg  string
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("formula: %s at offset %d: %s", e.Code, e.Pos, e.Msg)
}

func newError(code ErrorCode, pos int, msg string) *CompileError {
	return &CompileError{Code: code, Pos: pos, Msg: msg}
}
