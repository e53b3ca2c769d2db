package flow

// ErrorOutput is the reserved output index carrying items that failed in a
// node configured with OnErrorContinueErrorOutput.
const ErrorOutput = -1

// Connection links an output of one node to an input of another.
type Connection struct {
	Source       string `json:"source" yaml:"source"`
	SourceOutput int    `json:"sourceOutput" yaml:"sourceOutput"`
	Target       string `json:"target" yaml:"target"`
	TargetInput  int    `json:"targetInput" yaml:"targetInput"`
}

// IsErrorOutput reports whether the connection leaves the reserved error
// output of its source.
func (c Connection) IsErrorOutput() bool {
	return c.SourceOutput == ErrorOutput
}
