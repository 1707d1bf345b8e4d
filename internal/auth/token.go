package auth

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
)

const (
	// AuthorityHost is the Azure AD login endpoint; the tenant is appended to it.
	AuthorityHost = "https://login.microsoftonline.com/"
	// ServiceBusScope is requested for every token, whatever the SDK asks for.
	ServiceBusScope = "https://servicebus.azure.net/.default"
)

// Strategy names how a TokenProvider obtains tokens.
type Strategy string

const (
	StrategyManagedIdentity   Strategy = "managed-identity"
	StrategyClientCertificate Strategy = "client-certificate"
)

// Authority returns the Azure AD authority URL for tenant.
func Authority(tenant string) string {
	return AuthorityHost + tenant
}

// TokenProvider supplies Service Bus bearer tokens to the transport client.
// It implements azcore.TokenCredential. Every GetToken call goes back to the
// underlying credential; any caching is the credential's own.
type TokenProvider struct {
	strategy  Strategy
	cred      azcore.TokenCredential
	authority string
	cert      *x509.Certificate
	log       *slog.Logger
}

// NewTokenProvider selects the authentication strategy from cfg.
//
// Managed identity is used unless cfg.IsOnPrem is set, in which case exactly one
// certificate in store must match cfg.CertificateSubject. The store is not
// consulted at all for managed identity.
func NewTokenProvider(ctx context.Context, cfg config.ClientConfig, store CertificateStore, log *slog.Logger) (*TokenProvider, error) {
	if !cfg.IsOnPrem {
		var opts azidentity.ManagedIdentityCredentialOptions
		if cfg.ManagedIdentityClientID != "" {
			opts.ID = azidentity.ClientID(cfg.ManagedIdentityClientID)
		}
		cred, err := azidentity.NewManagedIdentityCredential(&opts)
		if err != nil {
			return nil, fmt.Errorf("%w: managed identity: %v", domain.ErrAuthentication, err)
		}
		return &TokenProvider{strategy: StrategyManagedIdentity, cred: cred, log: log}, nil
	}

	if store == nil {
		return nil, fmt.Errorf("%w: no certificate store configured", domain.ErrCertificateNotFound)
	}
	certs, err := store.FindBySubject(ctx, cfg.CertificateSubject)
	if err != nil {
		return nil, fmt.Errorf("%w with subject %q: %v", domain.ErrCertificateNotFound, cfg.CertificateSubject, err)
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w with subject %q: %d matches", domain.ErrCertificateNotFound, cfg.CertificateSubject, len(certs))
	}
	cert := certs[0]

	authority := Authority(cfg.TenantName)
	cred, err := azidentity.NewClientCertificateCredential(cfg.TenantName, cfg.AADClientID, cert.Chain, cert.Key,
		&azidentity.ClientCertificateCredentialOptions{
			ClientOptions: azcore.ClientOptions{
				Cloud: cloud.Configuration{ActiveDirectoryAuthorityHost: AuthorityHost},
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: client certificate credential: %v", domain.ErrAuthentication, err)
	}

	log.Info("using certificate credential",
		"authority", authority,
		"client_id", cfg.AADClientID,
		"certificate", cert.Source,
		"subject", cert.Leaf().Subject.String(),
	)
	return &TokenProvider{
		strategy:  StrategyClientCertificate,
		cred:      cred,
		authority: authority,
		cert:      cert.Leaf(),
		log:       log,
	}, nil
}

// GetToken acquires a token scoped to Service Bus.
func (p *TokenProvider) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	opts.Scopes = []string{ServiceBusScope}
	tok, err := p.cred.GetToken(ctx, opts)
	if err != nil {
		p.log.Error("acquire token", "strategy", p.strategy, "err", err)
		return azcore.AccessToken{}, fmt.Errorf("%w (%s): %v", domain.ErrAuthentication, p.strategy, err)
	}
	return tok, nil
}

// Strategy reports which credential backs the provider.
func (p *TokenProvider) Strategy() Strategy {
	return p.strategy
}

// Authority is the Azure AD authority for certificate credentials; empty for managed identity.
func (p *TokenProvider) Authority() string {
	return p.authority
}

// Certificate is the leaf certificate the provider authenticates with, if any.
func (p *TokenProvider) Certificate() *x509.Certificate {
	return p.cert
}
