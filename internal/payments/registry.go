package payments

import (
	"fmt"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Registry resolves the configured provider implementations by name.
type Registry struct {
	providers map[enums.PaymentProvider]Provider
}

// NewRegistry indexes providers by Name. Nil entries are skipped so callers
// can pass disabled providers straight through.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[enums.PaymentProvider]Provider)}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Provider returns the provider registered under name.
func (r *Registry) Provider(name enums.PaymentProvider) (Provider, error) {
	if r != nil {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("payment method %s is not available", name))
}

// Parser returns the callback parser for name.
func (r *Registry) Parser(name enums.PaymentProvider) (CallbackParser, error) {
	p, err := r.Provider(name)
	if err != nil {
		return nil, err
	}
	parser, ok := p.(CallbackParser)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s does not accept callbacks", name))
	}
	return parser, nil
}

// Authenticator returns the webhook authenticator for name.
func (r *Registry) Authenticator(name enums.PaymentProvider) (WebhookAuthenticator, error) {
	p, err := r.Provider(name)
	if err != nil {
		return nil, err
	}
	auth, ok := p.(WebhookAuthenticator)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("%s webhook authentication not configured", name))
	}
	return auth, nil
}

// Enabled lists the registered provider names.
func (r *Registry) Enabled() []enums.PaymentProvider {
	if r == nil {
		return nil
	}
	names := make([]enums.PaymentProvider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
