package registry

// Service is a long-running part of the monitor started and stopped by the
// service registry. Start must not block; Stop on a stopped service returns an error.
type Service interface {
	Start() error
	Stop() error
}
