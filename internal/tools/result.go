package tools

import "github.com/openclaw/openclaw/internal/providers"

// Result is what every tool execution returns. The LLM-facing and
// user-facing strings are separate: most tools only feed the model.
type Result struct {
	ForLLM  string `json:"for_llm"`
	ForUser string `json:"for_user,omitempty"`
	Silent  bool   `json:"silent"`   // suppress the user-facing message
	IsError bool   `json:"is_error"` // execution failed, ForLLM carries the message
	Async   bool   `json:"async"`    // work continues in the background
	Err     error  `json:"-"`

	// Set by tools that make internal LLM calls; the run loop records
	// these on the tool span.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// UserResult shows the same content to both the model and the user.
func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
