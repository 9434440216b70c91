package coordinator

// RequestCoordinator is the surface callers depend on.
type RequestCoordinator interface {
	Add(key string, op Operation, priority int) *Future
	Status() Status
	Clear() int
}

// Ensure Coordinator implements RequestCoordinator
var _ RequestCoordinator = (*Coordinator)(nil)
