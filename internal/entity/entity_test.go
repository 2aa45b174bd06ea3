package entity

import (
	"encoding/pem"
	"strings"
	"testing"

	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/config"
)

func testSP(t *testing.T) *ServiceProvider {
	t.Helper()
	return &ServiceProvider{
		EntityID: "https://sp.test/metadata",
		ACS: []saml.IndexedEndpoint{
			{Binding: saml.HTTPPostBinding, Location: "https://sp.test/acs", Index: 0},
			{Binding: saml.HTTPRedirectBinding, Location: "https://sp.test/acs-redirect", Index: 1},
			{Binding: saml.HTTPPostBinding, Location: "https://sp.test/acs-alt", Index: 2},
		},
	}
}

func TestAssertionConsumer(t *testing.T) {
	tests := []struct {
		name         string
		req          saml.AuthnRequest
		wantLocation string
		wantErr      string
	}{
		{
			name:         "by index",
			req:          saml.AuthnRequest{AssertionConsumerServiceIndex: "1"},
			wantLocation: "https://sp.test/acs-redirect",
		},
		{
			name:    "unknown index",
			req:     saml.AuthnRequest{AssertionConsumerServiceIndex: "9"},
			wantErr: "no assertion consumer service with index",
		},
		{
			name:    "malformed index",
			req:     saml.AuthnRequest{AssertionConsumerServiceIndex: "one"},
			wantErr: "invalid AssertionConsumerServiceIndex",
		},
		{
			name: "by binding and location",
			req: saml.AuthnRequest{
				ProtocolBinding:             saml.HTTPPostBinding,
				AssertionConsumerServiceURL: "https://sp.test/acs-alt",
			},
			wantLocation: "https://sp.test/acs-alt",
		},
		{
			name:    "binding alone is ambiguous",
			req:     saml.AuthnRequest{ProtocolBinding: saml.HTTPPostBinding},
			wantErr: "ambiguous",
		},
		{
			name: "no match",
			req: saml.AuthnRequest{
				ProtocolBinding:             saml.HTTPRedirectBinding,
				AssertionConsumerServiceURL: "https://sp.test/acs",
			},
			wantErr: "no assertion consumer service matching",
		},
		{
			name:         "empty request falls back to first endpoint",
			req:          saml.AuthnRequest{},
			wantLocation: "https://sp.test/acs",
		},
	}

	sp := testSP(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := sp.AssertionConsumer(&tt.req)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("want error containing %q, got endpoint %+v", tt.wantErr, ep)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AssertionConsumer failed: %v", err)
			}
			if ep.Location != tt.wantLocation {
				t.Errorf("Location = %q, want %q", ep.Location, tt.wantLocation)
			}
		})
	}
}

func TestSigningCerts(t *testing.T) {
	signing, err := GenerateKeyPair("signing")
	if err != nil {
		t.Fatal(err)
	}
	encryption, err := GenerateKeyPair("encryption")
	if err != nil {
		t.Fatal(err)
	}

	sp := &ServiceProvider{
		Certificates: []Certificate{
			{Cert: signing.Cert, Signing: true, Encryption: false},
			{Cert: encryption.Cert, Signing: false, Encryption: true},
		},
	}

	certs := sp.SigningCerts()
	if len(certs) != 1 {
		t.Fatalf("len(SigningCerts) = %d, want 1", len(certs))
	}
	if certs[0].Subject.CommonName != "signing" {
		t.Errorf("SigningCerts[0].CN = %q, want signing", certs[0].Subject.CommonName)
	}
}

func TestNewServiceProviderInlinePEM(t *testing.T) {
	kp, err := GenerateKeyPair("sp.test")
	if err != nil {
		t.Fatal(err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: kp.Cert.Raw})

	tr := true
	fa := false
	cfg := config.SPConfig{
		EntityID: "https://sp.test/metadata",
		ACS: []config.ACSConfig{
			{Binding: saml.HTTPPostBinding, Location: "https://sp.test/acs", Index: 0},
		},
		Certificates: []config.CertificateConfig{
			{PEM: string(pemData), Signing: &tr, Encryption: &fa},
		},
		WantSignedAssertions:     &tr,
		WantSignedLogoutRequest:  &tr,
		WantSignedLogoutResponse: &fa,
	}

	sp, err := NewServiceProvider(&cfg)
	if err != nil {
		t.Fatalf("NewServiceProvider failed: %v", err)
	}
	if len(sp.Certificates) != 1 || !sp.Certificates[0].Signing {
		t.Fatalf("certificates = %+v", sp.Certificates)
	}
	if !sp.Certificates[0].Cert.Equal(kp.Cert) {
		t.Error("parsed certificate does not match input")
	}
	if sp.WantSignedLogoutResponse {
		t.Error("WantSignedLogoutResponse should be false")
	}
}

func TestStaticDirectoryUnknown(t *testing.T) {
	d, err := NewStaticDirectory(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.ServiceProvider("https://nobody.test"); err == nil {
		t.Fatal("unknown entity ID should error")
	}
}

func TestLogoutResponseLocation(t *testing.T) {
	sp := &ServiceProvider{
		EntityID: "https://sp.test",
		SLO: &saml.Endpoint{
			Binding:          saml.HTTPRedirectBinding,
			Location:         "https://sp.test/slo",
			ResponseLocation: "https://sp.test/slo-response",
		},
	}
	loc, binding, err := sp.LogoutResponseLocation()
	if err != nil {
		t.Fatal(err)
	}
	if loc != "https://sp.test/slo-response" {
		t.Errorf("location = %q, want response_location preferred", loc)
	}
	if binding != saml.HTTPRedirectBinding {
		t.Errorf("binding = %q", binding)
	}

	sp.SLO = nil
	if _, _, err := sp.LogoutResponseLocation(); err == nil {
		t.Fatal("missing SLO endpoint should error")
	}
}
