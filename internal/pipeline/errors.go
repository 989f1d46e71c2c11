package pipeline

import "fmt"

// ErrorKey is one of the fixed error-map keys spec.md §7 assigns to each
// pipeline phase. Using a typed constructor per phase instead of ad-hoc
// string concatenation at call sites rules out a typo'd prefix.
type ErrorKey = string

const (
	KeyHandle       ErrorKey = "_handle"
	KeySQLite       ErrorKey = "_SQLite"
	KeyApplyApply   ErrorKey = "_apply-apply"
	KeyApplyVersion ErrorKey = "_apply-version"
	KeyApplyDerive  ErrorKey = "_apply-derive"
)

// PreprocessKey builds the error key for a preprocessor belonging to model.
func PreprocessKey(model string) ErrorKey {
	return "_preprocess_" + model
}

// ReduceKey builds the error key for a reducer belonging to model.
func ReduceKey(model string) ErrorKey {
	return "reduce_" + model
}

// subeventFailedMessage is the _handle message for a failed sub-event at
// index i, per spec.md §4.4's sub-event recursion rule.
func subeventFailedMessage(i int) string {
	return fmt.Sprintf("subevent %d failed", i)
}

const tooDeepMessage = "events recursing too deep"

// maxDepth is the recursion guard from spec.md §4.4: depth > 100 fails.
const maxDepth = 100
