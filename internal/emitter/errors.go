package emitter

// Errors is the decoupled error-toast channel.
// Stores emit one short human-readable category per failed persistence attempt;
// presentation and dismissal timing belong to the subscriber.
type Errors struct {
	Emitter[string]
}

// NewErrors creates an empty error channel.
func NewErrors() *Errors {
	return &Errors{}
}

// Report emits msg to every subscriber.
func (e *Errors) Report(msg string) {
	e.Emit(msg)
}
