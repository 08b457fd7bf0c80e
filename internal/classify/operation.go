package classify

import (
	"fmt"
	"strings"
)

// Outcome is the result of a finished generation operation, reduced to the
// fields that decide success or failure.
type Outcome struct {
	ErrorMessage    string
	BlockedReason   string
	FilteredCount   int
	FilteredReasons []string
	VideoCount      int
}

// Operation classifies a finished operation. It returns nil when the
// operation produced at least one video and nothing was filtered.
func Operation(o Outcome) *Error {
	if o.ErrorMessage != "" {
		ce := Message(o.ErrorMessage)
		ce.Details = map[string]any{"source": "operation_error"}
		return ce
	}

	if o.BlockedReason != "" {
		ce := New(KindContentPolicy, "PROMPT_BLOCKED", "prompt blocked: "+o.BlockedReason)
		ce.Details = map[string]any{"blocked_reason": o.BlockedReason}
		return ce
	}

	if o.FilteredCount > 0 || len(o.FilteredReasons) > 0 {
		reasons := strings.Join(o.FilteredReasons, "; ")
		msg := fmt.Sprintf("%d video(s) filtered: %s", o.FilteredCount, reasons)
		details := map[string]any{
			"filtered_count":   o.FilteredCount,
			"filtered_reasons": o.FilteredReasons,
		}

		f := failure{text: strings.ToLower(reasons)}
		switch {
		case matchAny(celebrityPatterns)(f):
			ce := New(KindCelebrity, "", msg)
			ce.Details = details
			return ce
		case matchAny(contentPolicyPatterns)(f):
			ce := New(KindContentPolicy, "", msg)
			ce.Details = details
			return ce
		}

		ce := New(KindUnknown, "SAFETY_FILTER", msg)
		ce.UserMessage = "The generated video was filtered by the safety system."
		ce.Suggestion = "Retrying, possibly with different frames."
		ce.Details = details
		return ce
	}

	if o.VideoCount == 0 {
		return New(KindUnknown, "VIDEO_GENERATION_FAILED", "operation completed without any generated video")
	}

	return nil
}
