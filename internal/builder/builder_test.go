package builder

import (
	"crypto/x509"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"

	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/xmlsig"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func certs(kp *entity.KeyPair) []*x509.Certificate {
	return []*x509.Certificate{kp.Cert}
}

func testClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(testNow)
}

func buildTestAssertion(t *testing.T, signer *xmlsig.Signer) *saml.Assertion {
	t.Helper()
	a, err := NewAssertion(testClock(), "https://idp.test/metadata").
		Audience("https://sp.test/metadata").
		Subject("alice@example.com", saml2.NameIDFormatEmailAddress, "").
		Confirmation("https://sp.test/acs", "_req1").
		Validity(5*time.Minute, 24*time.Hour).
		AuthnContext(saml2.ACPasswordProtectedTransport).
		SessionIndex("_session1").
		Attributes(map[string][]string{
			"email":  {"alice@example.com"},
			"groups": {"staff", "admins"},
		}).
		Build(signer)
	if err != nil {
		t.Fatalf("build assertion: %v", err)
	}
	return a
}

func TestAssertionWindows(t *testing.T) {
	a := buildTestAssertion(t, nil)

	if a.Conditions.NotBefore != testNow {
		t.Errorf("NotBefore = %v, want %v", a.Conditions.NotBefore, testNow)
	}
	wantExpiry := testNow.Add(5 * time.Minute)
	if a.Conditions.NotOnOrAfter != wantExpiry {
		t.Errorf("NotOnOrAfter = %v, want %v", a.Conditions.NotOnOrAfter, wantExpiry)
	}

	sc := a.Subject.SubjectConfirmations
	if len(sc) != 1 || sc[0].Method != saml2.ConfirmationMethodBearer {
		t.Fatalf("SubjectConfirmations = %+v", sc)
	}
	data := sc[0].SubjectConfirmationData
	if data.InResponseTo != "_req1" || data.Recipient != "https://sp.test/acs" {
		t.Errorf("SubjectConfirmationData = %+v", data)
	}
	if data.NotOnOrAfter != wantExpiry {
		t.Errorf("confirmation NotOnOrAfter = %v, want %v", data.NotOnOrAfter, wantExpiry)
	}

	if len(a.AuthnStatements) != 1 {
		t.Fatalf("AuthnStatements = %+v", a.AuthnStatements)
	}
	st := a.AuthnStatements[0]
	if st.AuthnInstant != testNow {
		t.Errorf("AuthnInstant = %v", st.AuthnInstant)
	}
	if st.SessionNotOnOrAfter == nil || !st.SessionNotOnOrAfter.Equal(testNow.Add(24*time.Hour)) {
		t.Errorf("SessionNotOnOrAfter = %v", st.SessionNotOnOrAfter)
	}
	if st.AuthnContext.AuthnContextClassRef.Value != saml2.ACPasswordProtectedTransport {
		t.Errorf("AuthnContextClassRef = %q", st.AuthnContext.AuthnContextClassRef.Value)
	}

	if len(a.AttributeStatements) != 1 {
		t.Fatalf("AttributeStatements = %+v", a.AttributeStatements)
	}
	attrs := a.AttributeStatements[0].Attributes
	if len(attrs) != 2 || attrs[0].Name != "email" || attrs[1].Name != "groups" {
		t.Errorf("attributes not in sorted order: %+v", attrs)
	}
	if len(attrs[1].Values) != 2 {
		t.Errorf("groups values = %+v", attrs[1].Values)
	}
}

func TestSignedAssertionVerifies(t *testing.T) {
	kp, err := entity.GenerateKeyPair("idp.test")
	if err != nil {
		t.Fatal(err)
	}
	a := buildTestAssertion(t, xmlsig.NewSigner(kp))
	if a.Signature == nil {
		t.Fatal("assertion should carry a signature element")
	}

	el := a.Element()
	if err := xmlsig.Verify(el, certs(kp)); err != nil {
		t.Fatalf("signed assertion does not verify: %v", err)
	}

	// The signature carries the IdP certificate so recipients can identify
	// the signer without consulting metadata.
	embedded := xmlsig.EmbeddedCertificates(el)
	if len(embedded) != 1 || !embedded[0].Equal(kp.Cert) {
		t.Errorf("embedded certificates = %d, want the IdP certificate", len(embedded))
	}

	// Signature must sit right after the Issuer.
	children := el.ChildElements()
	if len(children) < 2 || children[0].Tag != "Issuer" || children[1].Tag != "Signature" {
		tags := make([]string, len(children))
		for i, c := range children {
			tags[i] = c.Tag
		}
		t.Errorf("child order = %v, want Issuer then Signature", tags)
	}
}

func TestResponseSuccess(t *testing.T) {
	a := buildTestAssertion(t, nil)
	data, err := NewResponse(testClock(), "https://idp.test/metadata").
		Destination("https://sp.test/acs").
		InResponseTo("_req1").
		Assertion(a).
		Build()
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	var resp saml.Response
	if err := xml.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.InResponseTo != "_req1" {
		t.Errorf("InResponseTo = %q", resp.InResponseTo)
	}
	if resp.Destination != "https://sp.test/acs" {
		t.Errorf("Destination = %q", resp.Destination)
	}
	if resp.Status.StatusCode.Value != saml2.StatusSuccess {
		t.Errorf("StatusCode = %q", resp.Status.StatusCode.Value)
	}
	if resp.Assertion == nil {
		t.Fatal("success response should embed the assertion")
	}
	if resp.Assertion.Subject.NameID.Value != "alice@example.com" {
		t.Errorf("NameID = %q", resp.Assertion.Subject.NameID.Value)
	}
}

func TestResponseFailure(t *testing.T) {
	a := buildTestAssertion(t, nil)
	data, err := NewResponse(testClock(), "https://idp.test/metadata").
		Destination("https://sp.test/acs").
		InResponseTo("_req1").
		Status(saml2.StatusRequester, saml2.StatusNoPassive).
		Assertion(a). // must be dropped on failure
		Build()
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	if strings.Contains(string(data), "Assertion") {
		t.Error("failure response must not carry an assertion")
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatal(err)
	}
	nested := doc.FindElement("//Status/StatusCode/StatusCode")
	if nested == nil {
		t.Fatal("missing nested second-level StatusCode")
	}
	if got := nested.SelectAttrValue("Value", ""); got != saml2.StatusNoPassive {
		t.Errorf("nested StatusCode = %q", got)
	}
}

func TestLogoutRequestBuild(t *testing.T) {
	data, id, err := NewLogoutRequest(testClock(), "https://idp.test/metadata").
		Destination("https://sp.test/slo").
		Subject("alice@example.com", saml2.NameIDFormatEmailAddress, "").
		SessionIndex("_session1").
		NotOnOrAfter(5 * time.Minute).
		Build(nil)
	if err != nil {
		t.Fatalf("build logout request: %v", err)
	}
	if !strings.HasPrefix(id, "_") {
		t.Errorf("ID = %q", id)
	}

	var req saml.LogoutRequest
	if err := xml.Unmarshal(data, &req); err != nil {
		t.Fatalf("unmarshal logout request: %v", err)
	}
	if req.ID != id {
		t.Errorf("ID mismatch: returned %q, document %q", id, req.ID)
	}
	if req.Destination != "https://sp.test/slo" {
		t.Errorf("Destination = %q", req.Destination)
	}
	if req.NameID == nil || req.NameID.Value != "alice@example.com" {
		t.Errorf("NameID = %+v", req.NameID)
	}
	if req.NotOnOrAfter == nil || !req.NotOnOrAfter.Equal(testNow.Add(5*time.Minute)) {
		t.Errorf("NotOnOrAfter = %v", req.NotOnOrAfter)
	}
}

func TestLogoutResponseSigned(t *testing.T) {
	kp, err := entity.GenerateKeyPair("idp.test")
	if err != nil {
		t.Fatal(err)
	}
	data, err := NewLogoutResponse(testClock(), "https://idp.test/metadata").
		Destination("https://sp.test/slo").
		InResponseTo("_lreq1").
		Build(xmlsig.NewSigner(kp))
	if err != nil {
		t.Fatalf("build logout response: %v", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		t.Fatal(err)
	}
	if err := xmlsig.Verify(doc.Root(), certs(kp)); err != nil {
		t.Fatalf("signed logout response does not verify: %v", err)
	}

	var resp saml.LogoutResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.InResponseTo != "_lreq1" {
		t.Errorf("InResponseTo = %q", resp.InResponseTo)
	}
	if resp.Status.StatusCode.Value != saml2.StatusSuccess {
		t.Errorf("StatusCode = %q", resp.Status.StatusCode.Value)
	}
}
