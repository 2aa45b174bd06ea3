package signature

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/beevik/etree"

	"github.com/kagerou/idpd/internal/binding"
	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/xmlsig"
)

const testLogoutRequestXML = `<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID="_lreq1" Version="2.0" IssueInstant="2026-01-02T15:04:05Z" Destination="https://idp.test/slo"><saml:Issuer>https://sp.test/metadata</saml:Issuer><saml:NameID>alice</saml:NameID></samlp:LogoutRequest>`

func testServiceProvider(t *testing.T, kp *entity.KeyPair, wantSigned bool) *entity.ServiceProvider {
	t.Helper()
	sp := &entity.ServiceProvider{
		EntityID:                "https://sp.test/metadata",
		WantSignedLogoutRequest: wantSigned,
	}
	if kp != nil {
		sp.Certificates = []entity.Certificate{{Cert: kp.Cert, Signing: true}}
	}
	return sp
}

// receiveRedirect encodes the message over the redirect binding and decodes
// it back, the way the SLO endpoint would see it.
func receiveRedirect(t *testing.T, kp *entity.KeyPair) *binding.ReceivedMessage {
	t.Helper()
	out := &binding.Outbound{
		Kind:        saml2.KindLogoutRequest,
		Destination: "https://idp.test/slo",
		XML:         []byte(testLogoutRequestXML),
	}
	loc, err := binding.EncodeRedirect(out, kp.Key)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := binding.Decode(httptest.NewRequest(http.MethodGet, loc, nil), "https://idp.test/slo")
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

// receivePost XML-signs the message with kp and decodes it from a POST.
func receivePost(t *testing.T, kp *entity.KeyPair, sign bool) *binding.ReceivedMessage {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(testLogoutRequestXML); err != nil {
		t.Fatal(err)
	}
	root := doc.Root()
	if sign {
		signed, err := xmlsig.NewSigner(kp).SignEnveloped(root)
		if err != nil {
			t.Fatalf("sign logout request: %v", err)
		}
		doc.SetRoot(signed)
	}
	raw, err := doc.WriteToBytes()
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{"SAMLRequest": {base64.StdEncoding.EncodeToString(raw)}}
	r := httptest.NewRequest(http.MethodPost, "https://idp.test/slo", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	msg, err := binding.Decode(r, "https://idp.test/slo")
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestVerifyInboundRedirect(t *testing.T) {
	spKey, err := entity.GenerateKeyPair("sp.test")
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := entity.GenerateKeyPair("other.test")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		msg     *binding.ReceivedMessage
		sp      *entity.ServiceProvider
		wantErr string
	}{
		{
			name: "required and correctly signed",
			msg:  receiveRedirect(t, spKey),
			sp:   testServiceProvider(t, spKey, true),
		},
		{
			name: "not required skips verification entirely",
			msg:  receiveRedirect(t, otherKey),
			sp:   testServiceProvider(t, spKey, false),
		},
		{
			name:    "required but signed with wrong key",
			msg:     receiveRedirect(t, otherKey),
			sp:      testServiceProvider(t, spKey, true),
			wantErr: "verification failed",
		},
		{
			name:    "required with no registered signing certs",
			msg:     receiveRedirect(t, spKey),
			sp:      testServiceProvider(t, nil, true),
			wantErr: "no signing certificates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyInbound(tt.msg, tt.sp)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("VerifyInbound failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyInboundRequiredButUnsigned(t *testing.T) {
	spKey, err := entity.GenerateKeyPair("sp.test")
	if err != nil {
		t.Fatal(err)
	}
	msg := receivePost(t, spKey, false)
	err = VerifyInbound(msg, testServiceProvider(t, spKey, true))
	if err == nil || !strings.Contains(err.Error(), "must be signed") {
		t.Fatalf("err = %v, want signature-required rejection", err)
	}
}

func TestVerifyInboundPostSigned(t *testing.T) {
	spKey, err := entity.GenerateKeyPair("sp.test")
	if err != nil {
		t.Fatal(err)
	}
	msg := receivePost(t, spKey, true)
	if !msg.Signed {
		t.Fatal("decoded message should report an embedded signature")
	}
	if err := VerifyInbound(msg, testServiceProvider(t, spKey, true)); err != nil {
		t.Fatalf("VerifyInbound failed: %v", err)
	}
}

func TestVerifyInboundEmbeddedForeignCert(t *testing.T) {
	spKey, err := entity.GenerateKeyPair("sp.test")
	if err != nil {
		t.Fatal(err)
	}
	attacker, err := entity.GenerateKeyPair("attacker.test")
	if err != nil {
		t.Fatal(err)
	}

	// Signed by an unregistered key that embeds its own certificate: the
	// candidate set narrows to empty and the message is rejected before
	// any verification.
	msg := receivePost(t, attacker, true)
	err = VerifyInbound(msg, testServiceProvider(t, spKey, true))
	if err == nil || !strings.Contains(err.Error(), "no signing certificates") {
		t.Fatalf("err = %v, want empty-candidate rejection", err)
	}
}
