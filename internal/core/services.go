package core

// Services bundles the database-backed services for wiring into the API
// and the worker.
type Services struct {
	Server       *ServerService
	ExecutionLog *ExecutionLogService
	APIKey       *APIKeyService
	PrivateKey   *PrivateKeyService
}

func NewServices(db DB) *Services {
	return &Services{
		Server:       NewServerService(db),
		ExecutionLog: NewExecutionLogService(db),
		APIKey:       NewAPIKeyService(db),
		PrivateKey:   NewPrivateKeyService(db),
	}
}
