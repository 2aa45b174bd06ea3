// Package entity holds the runtime descriptors of the hosted identity
// provider and the remote service providers it federates with, built once
// from configuration.
package entity

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/config"
	"github.com/kagerou/idpd/internal/samlerr"
)

// IdentityProvider describes the hosted IdP.
type IdentityProvider struct {
	EntityID      string
	SSOServiceURL string
	SLOServiceURL string
	KeyPair       *KeyPair

	SSOHTTPPostEnabled     bool
	SSOHTTPRedirectEnabled bool
	SLOHTTPPostEnabled     bool
	SLOHTTPRedirectEnabled bool

	WantAuthnRequestsSigned bool

	PreviousSessionContext string
	AssertionValidity      time.Duration
	SessionValidity        time.Duration

	SignMetadata          bool
	MetadataCacheDuration time.Duration
	Organization          *config.OrganizationConfig
	Contacts              []config.ContactConfig
}

// NewIdentityProvider builds the IdP descriptor from config, loading or
// generating its key material.
func NewIdentityProvider(cfg *config.IdPConfig) (*IdentityProvider, error) {
	var kp *KeyPair
	var err error
	if cfg.CertFile != "" {
		kp, err = LoadKeyPair(cfg.CertFile, cfg.KeyFile)
	} else {
		kp, err = GenerateKeyPair(cfg.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("identity provider key material: %w", err)
	}

	return &IdentityProvider{
		EntityID:                cfg.EntityID,
		SSOServiceURL:           cfg.SSOServiceURL,
		SLOServiceURL:           cfg.SLOServiceURL,
		KeyPair:                 kp,
		SSOHTTPPostEnabled:      *cfg.SSOHTTPPostEnabled,
		SSOHTTPRedirectEnabled:  *cfg.SSOHTTPRedirectEnabled,
		SLOHTTPPostEnabled:      *cfg.SLOHTTPPostEnabled,
		SLOHTTPRedirectEnabled:  *cfg.SLOHTTPRedirectEnabled,
		WantAuthnRequestsSigned: *cfg.WantAuthnRequestsSigned,
		PreviousSessionContext:  cfg.PreviousSessionContext,
		AssertionValidity:       cfg.ParsedAssertionValidity,
		SessionValidity:         cfg.ParsedSessionValidity,
		SignMetadata:            *cfg.SignMetadata,
		MetadataCacheDuration:   cfg.ParsedMetadataCache,
		Organization:            cfg.Organization,
		Contacts:                cfg.Contacts,
	}, nil
}

// Certificate is one SP certificate with its declared usage.
type Certificate struct {
	Cert       *x509.Certificate
	Signing    bool
	Encryption bool
}

// ServiceProvider describes one remote service provider.
type ServiceProvider struct {
	EntityID     string
	ACS          []saml.IndexedEndpoint
	SLO          *saml.Endpoint
	Certificates []Certificate

	WantSignedAuthnRequest   bool
	WantSignedAssertions     bool
	WantSignedLogoutRequest  bool
	WantSignedLogoutResponse bool

	NameIDFormat  string
	NameQualifier string
	MaxRetryLogin int
}

// NewServiceProvider builds an SP descriptor from its config block.
func NewServiceProvider(cfg *config.SPConfig) (*ServiceProvider, error) {
	sp := &ServiceProvider{
		EntityID:                 cfg.EntityID,
		WantSignedAuthnRequest:   cfg.WantSignedAuthnRequest,
		WantSignedAssertions:     *cfg.WantSignedAssertions,
		WantSignedLogoutRequest:  *cfg.WantSignedLogoutRequest,
		WantSignedLogoutResponse: *cfg.WantSignedLogoutResponse,
		NameIDFormat:             cfg.NameIDFormat,
		NameQualifier:            cfg.NameQualifier,
		MaxRetryLogin:            cfg.MaxRetryLogin,
	}

	for _, acs := range cfg.ACS {
		sp.ACS = append(sp.ACS, saml.IndexedEndpoint{
			Binding:  acs.Binding,
			Location: acs.Location,
			Index:    acs.Index,
		})
	}
	if cfg.SLO != nil {
		sp.SLO = &saml.Endpoint{
			Binding:          cfg.SLO.Binding,
			Location:         cfg.SLO.Location,
			ResponseLocation: cfg.SLO.ResponseLocation,
		}
	}

	for i, cc := range cfg.Certificates {
		cert, err := loadCertificate(&cc)
		if err != nil {
			return nil, fmt.Errorf("sp %s certificates[%d]: %w", cfg.EntityID, i, err)
		}
		sp.Certificates = append(sp.Certificates, Certificate{
			Cert:       cert,
			Signing:    *cc.Signing,
			Encryption: *cc.Encryption,
		})
	}

	return sp, nil
}

func loadCertificate(cc *config.CertificateConfig) (*x509.Certificate, error) {
	pemData := []byte(cc.PEM)
	if cc.File != "" {
		data, err := os.ReadFile(cc.File)
		if err != nil {
			return nil, fmt.Errorf("read certificate file: %w", err)
		}
		pemData = data
	}

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// SigningCerts returns the certificates usable for signature verification.
func (sp *ServiceProvider) SigningCerts() []*x509.Certificate {
	var certs []*x509.Certificate
	for _, c := range sp.Certificates {
		if c.Signing {
			certs = append(certs, c.Cert)
		}
	}
	return certs
}

// AssertionConsumer resolves the ACS endpoint an AuthnRequest targets. A
// request naming an index must match it exactly; a request naming a binding
// or URL must match exactly one endpoint; a request naming neither gets the
// first declared endpoint.
func (sp *ServiceProvider) AssertionConsumer(req *saml.AuthnRequest) (*saml.IndexedEndpoint, error) {
	if req.AssertionConsumerServiceIndex != "" {
		idx, err := strconv.Atoi(req.AssertionConsumerServiceIndex)
		if err != nil {
			return nil, samlerr.Protocolf("invalid AssertionConsumerServiceIndex %q", req.AssertionConsumerServiceIndex)
		}
		for i := range sp.ACS {
			if sp.ACS[i].Index == idx {
				return &sp.ACS[i], nil
			}
		}
		return nil, samlerr.Protocolf("no assertion consumer service with index %d for %s", idx, sp.EntityID)
	}

	if req.AssertionConsumerServiceURL != "" || req.ProtocolBinding != "" {
		var match *saml.IndexedEndpoint
		for i := range sp.ACS {
			ep := &sp.ACS[i]
			if req.AssertionConsumerServiceURL != "" && ep.Location != req.AssertionConsumerServiceURL {
				continue
			}
			if req.ProtocolBinding != "" && ep.Binding != req.ProtocolBinding {
				continue
			}
			if match != nil {
				return nil, samlerr.Protocolf("ambiguous assertion consumer service for %s", sp.EntityID)
			}
			match = ep
		}
		if match == nil {
			return nil, samlerr.Protocolf("no assertion consumer service matching binding %q location %q for %s",
				req.ProtocolBinding, req.AssertionConsumerServiceURL, sp.EntityID)
		}
		return match, nil
	}

	if len(sp.ACS) == 0 {
		return nil, samlerr.Config("service provider has no assertion consumer services")
	}
	return &sp.ACS[0], nil
}

// LogoutEndpoint returns the SP's single logout endpoint, or an error when
// it declares none.
func (sp *ServiceProvider) LogoutEndpoint() (*saml.Endpoint, error) {
	if sp.SLO == nil {
		return nil, samlerr.Config(fmt.Sprintf("service provider %s has no single logout service", sp.EntityID))
	}
	return sp.SLO, nil
}

// LogoutResponseLocation is where LogoutResponse messages for this SP go.
func (sp *ServiceProvider) LogoutResponseLocation() (string, string, error) {
	ep, err := sp.LogoutEndpoint()
	if err != nil {
		return "", "", err
	}
	loc := ep.Location
	if ep.ResponseLocation != "" {
		loc = ep.ResponseLocation
	}
	return loc, ep.Binding, nil
}

// Directory resolves service providers by entity ID.
type Directory interface {
	ServiceProvider(entityID string) (*ServiceProvider, error)
}

// StaticDirectory is a Directory over the configured SP set.
type StaticDirectory struct {
	sps map[string]*ServiceProvider
}

// NewStaticDirectory builds the directory from config.
func NewStaticDirectory(cfgs []config.SPConfig) (*StaticDirectory, error) {
	d := &StaticDirectory{sps: make(map[string]*ServiceProvider, len(cfgs))}
	for i := range cfgs {
		sp, err := NewServiceProvider(&cfgs[i])
		if err != nil {
			return nil, err
		}
		d.sps[sp.EntityID] = sp
	}
	return d, nil
}

func (d *StaticDirectory) ServiceProvider(entityID string) (*ServiceProvider, error) {
	sp, ok := d.sps[entityID]
	if !ok {
		return nil, samlerr.Protocolf("unknown service provider %q", entityID)
	}
	return sp, nil
}
