package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/saml2"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	BaseURL    string `toml:"base_url"`
	LogLevel   string `toml:"log_level"`

	IdP IdPConfig  `toml:"idp"`
	SPs []SPConfig `toml:"sp"`
}

// IdPConfig describes the hosted identity provider.
type IdPConfig struct {
	EntityID string `toml:"entity_id"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`

	SSOServiceURL string `toml:"sso_service_url"`
	SLOServiceURL string `toml:"slo_service_url"`

	SSOHTTPPostEnabled     *bool `toml:"sso_http_post_enabled"`
	SSOHTTPRedirectEnabled *bool `toml:"sso_http_redirect_enabled"`
	SLOHTTPPostEnabled     *bool `toml:"slo_http_post_enabled"`
	SLOHTTPRedirectEnabled *bool `toml:"slo_http_redirect_enabled"`

	WantAuthnRequestsSigned *bool `toml:"want_authn_requests_signed"`

	PreviousSessionContext string `toml:"previous_session_context"`

	AssertionValidity string `toml:"assertion_validity"`
	SessionValidity   string `toml:"session_validity"`

	SignMetadata          *bool  `toml:"sign_metadata"`
	MetadataCacheDuration string `toml:"metadata_cache_duration"`

	Organization *OrganizationConfig `toml:"organization"`
	Contacts     []ContactConfig     `toml:"contact"`

	// Computed fields (not from TOML)
	ParsedAssertionValidity time.Duration
	ParsedSessionValidity   time.Duration
	ParsedMetadataCache     time.Duration
}

// OrganizationConfig feeds the metadata Organization element.
type OrganizationConfig struct {
	Name        string `toml:"name"`
	DisplayName string `toml:"display_name"`
	URL         string `toml:"url"`
}

// ContactConfig feeds a metadata ContactPerson element.
type ContactConfig struct {
	Type      string `toml:"type"`
	Company   string `toml:"company"`
	GivenName string `toml:"given_name"`
	Surname   string `toml:"surname"`
	Email     string `toml:"email"`
}

// SPConfig declares a remote service provider allowed to talk to the IdP.
type SPConfig struct {
	EntityID string `toml:"entity_id"`

	ACS []ACSConfig     `toml:"acs"`
	SLO *EndpointConfig `toml:"slo"`

	Certificates []CertificateConfig `toml:"certificates"`

	WantSignedAuthnRequest   bool  `toml:"want_signed_authn_request"`
	WantSignedAssertions     *bool `toml:"want_signed_assertions"`
	WantSignedLogoutRequest  *bool `toml:"want_signed_logout_request"`
	WantSignedLogoutResponse *bool `toml:"want_signed_logout_response"`

	NameIDFormat  string `toml:"name_id_format"`
	NameQualifier string `toml:"name_qualifier"`
	MaxRetryLogin int    `toml:"max_retry_login"`
}

// ACSConfig is one indexed assertion consumer endpoint.
type ACSConfig struct {
	Binding  string `toml:"binding"`
	Location string `toml:"location"`
	Index    int    `toml:"index"`
}

// EndpointConfig is a non-indexed protocol endpoint.
type EndpointConfig struct {
	Binding          string `toml:"binding"`
	Location         string `toml:"location"`
	ResponseLocation string `toml:"response_location"`
}

// CertificateConfig holds one SP certificate, inline PEM or a file path,
// with its metadata usage flags.
type CertificateConfig struct {
	PEM        string `toml:"pem"`
	File       string `toml:"file"`
	Signing    *bool  `toml:"signing"`
	Encryption *bool  `toml:"encryption"`
}

// Load reads the configuration from a TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates raw TOML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3000",
		LogLevel:   "info",
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	base, err := parseBaseURL(&c.BaseURL)
	if err != nil {
		return err
	}

	idp := &c.IdP
	if idp.EntityID == "" {
		idp.EntityID = base + "/metadata"
	}
	if idp.SSOServiceURL == "" {
		idp.SSOServiceURL = base + "/sso"
	}
	if idp.SLOServiceURL == "" {
		idp.SLOServiceURL = base + "/slo"
	}
	if idp.PreviousSessionContext == "" {
		idp.PreviousSessionContext = saml2.ACPreviousSession
	}
	if idp.AssertionValidity == "" {
		idp.AssertionValidity = "5m"
	}
	if idp.SessionValidity == "" {
		idp.SessionValidity = "24h"
	}
	if idp.MetadataCacheDuration == "" {
		idp.MetadataCacheDuration = "24h"
	}
	if idp.SignMetadata == nil {
		t := true
		idp.SignMetadata = &t
	}
	for _, flag := range []**bool{
		&idp.SSOHTTPPostEnabled, &idp.SSOHTTPRedirectEnabled,
		&idp.SLOHTTPPostEnabled, &idp.SLOHTTPRedirectEnabled,
		&idp.WantAuthnRequestsSigned,
	} {
		if *flag == nil {
			t := true
			*flag = &t
		}
	}

	for i := range c.SPs {
		applySPDefaults(&c.SPs[i])
	}
	return nil
}

func applySPDefaults(sp *SPConfig) {
	t := true
	if sp.WantSignedAssertions == nil {
		sp.WantSignedAssertions = &t
	}
	if sp.WantSignedLogoutRequest == nil {
		sp.WantSignedLogoutRequest = &t
	}
	if sp.WantSignedLogoutResponse == nil {
		sp.WantSignedLogoutResponse = &t
	}
	if sp.NameIDFormat == "" {
		sp.NameIDFormat = saml2.NameIDFormatUnspecified
	}
	for i := range sp.Certificates {
		cert := &sp.Certificates[i]
		if cert.Signing == nil {
			cert.Signing = &t
		}
		if cert.Encryption == nil {
			cert.Encryption = &t
		}
	}
}

func (c *Config) validate() error {
	if (c.IdP.CertFile != "") != (c.IdP.KeyFile != "") {
		return fmt.Errorf("idp: cert_file and key_file must be specified together")
	}
	if !*c.IdP.SSOHTTPPostEnabled && !*c.IdP.SSOHTTPRedirectEnabled {
		return fmt.Errorf("idp: at least one SSO binding must be enabled")
	}

	var err error
	if c.IdP.ParsedAssertionValidity, err = parseDuration("idp.assertion_validity", c.IdP.AssertionValidity); err != nil {
		return err
	}
	if c.IdP.ParsedSessionValidity, err = parseDuration("idp.session_validity", c.IdP.SessionValidity); err != nil {
		return err
	}
	if c.IdP.ParsedMetadataCache, err = parseDuration("idp.metadata_cache_duration", c.IdP.MetadataCacheDuration); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i := range c.SPs {
		sp := &c.SPs[i]
		if sp.EntityID == "" {
			return fmt.Errorf("sp[%d]: entity_id is required", i)
		}
		if seen[sp.EntityID] {
			return fmt.Errorf("sp[%d]: duplicate entity_id %q", i, sp.EntityID)
		}
		seen[sp.EntityID] = true
		if len(sp.ACS) == 0 {
			return fmt.Errorf("sp[%d] (%s): at least one [[sp.acs]] endpoint is required", i, sp.EntityID)
		}
		for j, acs := range sp.ACS {
			if err := validateBinding(acs.Binding); err != nil {
				return fmt.Errorf("sp[%d] (%s) acs[%d]: %w", i, sp.EntityID, j, err)
			}
			if acs.Location == "" {
				return fmt.Errorf("sp[%d] (%s) acs[%d]: location is required", i, sp.EntityID, j)
			}
		}
		if sp.SLO != nil {
			if err := validateBinding(sp.SLO.Binding); err != nil {
				return fmt.Errorf("sp[%d] (%s) slo: %w", i, sp.EntityID, err)
			}
			if sp.SLO.Location == "" {
				return fmt.Errorf("sp[%d] (%s) slo: location is required", i, sp.EntityID)
			}
		}
		for j, cert := range sp.Certificates {
			if (cert.PEM == "") == (cert.File == "") {
				return fmt.Errorf("sp[%d] (%s) certificates[%d]: exactly one of pem or file is required", i, sp.EntityID, j)
			}
		}
	}
	return nil
}

func validateBinding(binding string) error {
	switch binding {
	case saml.HTTPRedirectBinding, saml.HTTPPostBinding:
		return nil
	case "":
		return fmt.Errorf("binding is required")
	default:
		return fmt.Errorf("unsupported binding %q", binding)
	}
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive", field)
	}
	return d, nil
}

// parseBaseURL validates base_url and returns it without a trailing slash.
func parseBaseURL(baseURL *string) (string, error) {
	if *baseURL == "" {
		return "", fmt.Errorf("base_url is required")
	}

	u, err := url.Parse(*baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base_url %q: %w", *baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base_url %q: scheme must be http or https", *baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base_url %q: host is required", *baseURL)
	}

	p := strings.TrimRight(u.Path, "/")
	*baseURL = u.Scheme + "://" + u.Host + p
	return *baseURL, nil
}
