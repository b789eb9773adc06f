package app

// Operation statuses recorded in the history.
const (
	OperationSuccess = "success"
	OperationError   = "error"
)

// Operation tracks a CLI operation that may mutate the registry.
// Operations are created in memory with ID=0. Only mutating commands
// persist them (giving them an auto-increment ID from the registry).
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
}

// NewOperation creates a new in-memory operation.
func NewOperation(operation, parameters string) *Operation {
	return &Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     OperationSuccess,
	}
}

// Persisted returns true if this operation has been saved to the registry.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Record marks the operation failed when err is non-nil and returns err.
func (op *Operation) Record(err error) error {
	if err != nil {
		op.Status = OperationError
	}
	return err
}
