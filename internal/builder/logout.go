package builder

import (
	"fmt"
	"time"

	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/xmlsig"
)

// LogoutRequestBuilder assembles a LogoutRequest for propagating logout to
// a participating service provider.
type LogoutRequestBuilder struct {
	clock clockwork.Clock

	issuer       string
	destination  string
	nameID       saml.NameID
	sessionIndex string
	notOnOrAfter time.Duration
}

func NewLogoutRequest(clock clockwork.Clock, issuer string) *LogoutRequestBuilder {
	return &LogoutRequestBuilder{clock: clock, issuer: issuer}
}

func (b *LogoutRequestBuilder) Destination(url string) *LogoutRequestBuilder {
	b.destination = url
	return b
}

func (b *LogoutRequestBuilder) Subject(value, format, nameQualifier string) *LogoutRequestBuilder {
	b.nameID = saml.NameID{Value: value, Format: format, NameQualifier: nameQualifier}
	return b
}

func (b *LogoutRequestBuilder) SessionIndex(idx string) *LogoutRequestBuilder {
	b.sessionIndex = idx
	return b
}

// NotOnOrAfter bounds how long the request is actionable.
func (b *LogoutRequestBuilder) NotOnOrAfter(d time.Duration) *LogoutRequestBuilder {
	b.notOnOrAfter = d
	return b
}

// Build serializes the request, with an embedded signature when signer is
// non-nil.
func (b *LogoutRequestBuilder) Build(signer *xmlsig.Signer) ([]byte, string, error) {
	now := b.clock.Now().UTC()
	req := &saml.LogoutRequest{
		ID:           newMessageID(),
		IssueInstant: now,
		Version:      "2.0",
		Destination:  b.destination,
		Issuer: &saml.Issuer{
			Format: saml2.NameIDFormatEntity,
			Value:  b.issuer,
		},
		NameID: &b.nameID,
	}
	if b.sessionIndex != "" {
		req.SessionIndex = &saml.SessionIndex{Value: b.sessionIndex}
	}
	if b.notOnOrAfter > 0 {
		deadline := now.Add(b.notOnOrAfter)
		req.NotOnOrAfter = &deadline
	}

	if signer != nil {
		signed, err := signer.SignEnveloped(req.Element())
		if err != nil {
			return nil, "", fmt.Errorf("sign logout request: %w", err)
		}
		sigEl, err := xmlsig.ExtractSignature(signed)
		if err != nil {
			return nil, "", fmt.Errorf("sign logout request: %w", err)
		}
		req.Signature = sigEl
	}

	data, err := serialize(req.Element())
	return data, req.ID, err
}

// LogoutResponseBuilder assembles the LogoutResponse closing an SP-initiated
// logout conversation.
type LogoutResponseBuilder struct {
	clock clockwork.Clock

	issuer       string
	destination  string
	inResponseTo string
	status       string
}

func NewLogoutResponse(clock clockwork.Clock, issuer string) *LogoutResponseBuilder {
	return &LogoutResponseBuilder{clock: clock, issuer: issuer, status: saml2.StatusSuccess}
}

func (b *LogoutResponseBuilder) Destination(url string) *LogoutResponseBuilder {
	b.destination = url
	return b
}

func (b *LogoutResponseBuilder) InResponseTo(id string) *LogoutResponseBuilder {
	b.inResponseTo = id
	return b
}

func (b *LogoutResponseBuilder) Status(status string) *LogoutResponseBuilder {
	b.status = status
	return b
}

// Build serializes the response, with an embedded signature when signer is
// non-nil.
func (b *LogoutResponseBuilder) Build(signer *xmlsig.Signer) ([]byte, error) {
	resp := &saml.LogoutResponse{
		ID:           newMessageID(),
		IssueInstant: b.clock.Now().UTC(),
		Version:      "2.0",
		Destination:  b.destination,
		InResponseTo: b.inResponseTo,
		Issuer: &saml.Issuer{
			Format: saml2.NameIDFormatEntity,
			Value:  b.issuer,
		},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: b.status},
		},
	}

	if signer != nil {
		signed, err := signer.SignEnveloped(resp.Element())
		if err != nil {
			return nil, fmt.Errorf("sign logout response: %w", err)
		}
		sigEl, err := xmlsig.ExtractSignature(signed)
		if err != nil {
			return nil, fmt.Errorf("sign logout response: %w", err)
		}
		resp.Signature = sigEl
	}

	return serialize(resp.Element())
}
