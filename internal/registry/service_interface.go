package registry

// Service is the interface for every long-running agent service.
type Service interface {
	Start() error
	Stop() error
}
