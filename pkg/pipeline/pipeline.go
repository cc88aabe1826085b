// Package pipeline declares the fixed step catalog every discovered entity is
// driven through. The catalog is immutable for the process lifetime and is
// shared by the server-side runner and the client-side progress view.
package pipeline

// Step is one stage of the processing pipeline.
type Step struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

const (
	StepCheck     = "check"
	StepSummarize = "summarize"
	StepDeliver   = "deliver"
	StepDone      = "done"
)

var steps = []Step{
	{ID: StepCheck, Description: "Checking mailbox"},
	{ID: StepSummarize, Description: "Summarizing content"},
	{ID: StepDeliver, Description: "Delivering summary"},
	{ID: StepDone, Description: "Finished"},
}

// Steps returns the ordered step catalog. The returned slice is a copy;
// callers may not mutate the catalog.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)

	return out
}

// StepIDs returns the catalog ids in pipeline order.
func StepIDs() []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}

	return ids
}
