package builder

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"

	"github.com/kagerou/idpd/internal/saml2"
)

// ResponseBuilder assembles the authentication Response. The outer response
// is never signed here; assertion signing is the only XML signature an
// authentication exchange carries.
type ResponseBuilder struct {
	clock clockwork.Clock

	issuer       string
	destination  string
	inResponseTo string
	status       string
	subStatus    string
	assertion    *saml.Assertion
}

func NewResponse(clock clockwork.Clock, issuer string) *ResponseBuilder {
	return &ResponseBuilder{clock: clock, issuer: issuer, status: saml2.StatusSuccess}
}

func (b *ResponseBuilder) Destination(url string) *ResponseBuilder {
	b.destination = url
	return b
}

func (b *ResponseBuilder) InResponseTo(id string) *ResponseBuilder {
	b.inResponseTo = id
	return b
}

// Status sets a non-success outcome. subStatus may name a second-level
// status code and may be empty.
func (b *ResponseBuilder) Status(status, subStatus string) *ResponseBuilder {
	b.status = status
	b.subStatus = subStatus
	return b
}

func (b *ResponseBuilder) Assertion(a *saml.Assertion) *ResponseBuilder {
	b.assertion = a
	return b
}

// Build serializes the response document.
func (b *ResponseBuilder) Build() ([]byte, error) {
	resp := &saml.Response{
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
	if b.subStatus != "" {
		resp.Status.StatusCode.StatusCode = &saml.StatusCode{Value: b.subStatus}
	}
	if b.status == saml2.StatusSuccess {
		resp.Assertion = b.assertion
	}
	return serialize(resp.Element())
}

func serialize(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el)
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", el.Tag, err)
	}
	return data, nil
}
