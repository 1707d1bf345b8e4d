package domain

// Disposition is what the dispatch wrapper did with one received message.
type Disposition string

const (
	DispositionSkipped   Disposition = "skipped"   // Cancelled before processing; left locked until expiry
	DispositionCompleted Disposition = "completed" // Handler succeeded; message acknowledged
	DispositionAbandoned Disposition = "abandoned" // Decode or handler failure; lock released for redelivery
)

// Result is the outcome of decoding and handling a single message.
// Err is nil on success; the dispatch wrapper never inspects its cause.
type Result struct {
	Message TextMessage
	Err     error
}

// OK reports whether the message was handled successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// Disposition maps the result onto the settlement the transport should apply.
func (r Result) Disposition() Disposition {
	if r.OK() {
		return DispositionCompleted
	}
	return DispositionAbandoned
}
