package interaction

import (
	"fmt"
	"reflect"

	"github.com/tobinsouth/mcp-test/internal/config"
)

// ExpectationResult is the outcome of evaluating a prompt's declared
// expectations against its transcript. Pure data; the engine turns it into
// checks.
type ExpectationResult struct {
	Passed      bool
	Missing     []string
	FailedCalls []string
	Details     []string
}

// EvaluateExpectations compares the declared expectations against what the
// transcript actually recorded. It reports the complete missing set rather
// than stopping at the first mismatch.
func EvaluateExpectations(expected *config.Expectations, transcript *Transcript) ExpectationResult {
	result := ExpectationResult{Passed: true}
	if expected == nil {
		return result
	}

	actual := transcript.ToolCalls()
	for _, want := range expected.ToolCalls {
		if !anyCallMatches(want, actual) {
			result.Passed = false
			result.Missing = append(result.Missing, describeExpectedCall(want))
		}
	}

	if expected.SuccessRequired() {
		if failed := transcript.FailedToolCalls(); len(failed) > 0 {
			result.Passed = false
			result.FailedCalls = failed
			result.Details = append(result.Details,
				fmt.Sprintf("%d tool call(s) returned errors", len(failed)))
		}
	}

	if expected.MaxIterations > 0 && transcript.Iterations > expected.MaxIterations {
		result.Passed = false
		result.Details = append(result.Details,
			fmt.Sprintf("used %d iterations, expected at most %d",
				transcript.Iterations, expected.MaxIterations))
	}

	return result
}

func anyCallMatches(want config.ExpectedToolCall, calls []Entry) bool {
	for _, call := range calls {
		if call.ToolName != want.ToolName {
			continue
		}
		if containsValue(want.ArgumentsContain, toAnyMap(call.Arguments)) {
			return true
		}
	}
	return false
}

func describeExpectedCall(want config.ExpectedToolCall) string {
	if len(want.ArgumentsContain) == 0 {
		return want.ToolName
	}
	return fmt.Sprintf("%s with arguments containing %v", want.ToolName, want.ArgumentsContain)
}

func toAnyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// containsValue reports whether actual structurally contains expected.
// Maps require every expected key to be contained in the actual value under
// the same key. Arrays are unordered and non-injective: each expected
// element must be contained in at least one actual element. Scalars compare
// by deep equality, with numeric types normalized first.
func containsValue(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for key, expVal := range exp {
			actVal, present := act[key]
			if !present || !containsValue(expVal, actVal) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return false
		}
		for _, expElem := range exp {
			matched := false
			for _, actElem := range act {
				if containsValue(expElem, actElem) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		return true
	default:
		return scalarsEqual(expected, actual)
	}
}

func scalarsEqual(expected, actual any) bool {
	if en, ok := asFloat(expected); ok {
		an, ok := asFloat(actual)
		return ok && en == an
	}
	return reflect.DeepEqual(expected, actual)
}

// asFloat normalizes the numeric types that YAML decoding and JSON decoding
// produce for the same logical value.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
