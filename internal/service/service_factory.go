package service

import (
	"authcore/internal/audit"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/guard"
	"authcore/internal/token"
	"authcore/internal/vault"
)

// ServiceFactory creates and manages service instances.
type ServiceFactory struct {
	vault     *vault.Vault
	guard     *guard.Guard
	issuer    *token.Issuer
	sink      *audit.Sink
	kafka     *client.KafkaProducer
	deliverer Deliverer
	cfg       *config.Config

	authService *AuthService
}

func NewServiceFactory(v *vault.Vault, g *guard.Guard, i *token.Issuer, sink *audit.Sink, kafka *client.KafkaProducer, deliverer Deliverer, cfg *config.Config) *ServiceFactory {
	return &ServiceFactory{
		vault:     v,
		guard:     g,
		issuer:    i,
		sink:      sink,
		kafka:     kafka,
		deliverer: deliverer,
		cfg:       cfg,
	}
}

// AuthService returns the auth service instance (singleton).
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.vault,
			f.guard,
			f.issuer,
			f.sink,
			f.kafka,
			f.deliverer,
			f.cfg,
		)
	}
	return f.authService
}

// Cleanup flushes and stops owned background workers.
func (f *ServiceFactory) Cleanup() {
	if f.sink != nil {
		f.sink.Close()
	}
}
