// Package builder assembles outbound SAML protocol messages. Builders
// observe time only through an injected clock and leave binding-level
// concerns (deflate, query signing, form rendering) to the binding layer.
package builder

import (
	"fmt"
	"sort"
	"time"

	"github.com/crewjam/saml"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/xmlsig"
)

func newMessageID() string {
	return "_" + uuid.NewString()
}

// AssertionBuilder assembles one bearer assertion.
type AssertionBuilder struct {
	clock clockwork.Clock

	issuer            string
	audience          string
	nameID            saml.NameID
	recipient         string
	inResponseTo      string
	assertionValidity time.Duration
	sessionValidity   time.Duration
	authnContext      string
	sessionIndex      string
	attributes        map[string][]string
}

func NewAssertion(clock clockwork.Clock, issuer string) *AssertionBuilder {
	return &AssertionBuilder{clock: clock, issuer: issuer}
}

func (b *AssertionBuilder) Audience(entityID string) *AssertionBuilder {
	b.audience = entityID
	return b
}

func (b *AssertionBuilder) Subject(value, format, nameQualifier string) *AssertionBuilder {
	b.nameID = saml.NameID{Value: value, Format: format, NameQualifier: nameQualifier}
	return b
}

// Confirmation sets the bearer confirmation target: the ACS location the
// response is headed to and the request ID it answers.
func (b *AssertionBuilder) Confirmation(recipient, inResponseTo string) *AssertionBuilder {
	b.recipient = recipient
	b.inResponseTo = inResponseTo
	return b
}

func (b *AssertionBuilder) Validity(assertion, session time.Duration) *AssertionBuilder {
	b.assertionValidity = assertion
	b.sessionValidity = session
	return b
}

func (b *AssertionBuilder) AuthnContext(classRef string) *AssertionBuilder {
	b.authnContext = classRef
	return b
}

func (b *AssertionBuilder) SessionIndex(idx string) *AssertionBuilder {
	b.sessionIndex = idx
	return b
}

func (b *AssertionBuilder) Attributes(attrs map[string][]string) *AssertionBuilder {
	b.attributes = attrs
	return b
}

// Build assembles the assertion. A non-nil signer embeds an enveloped
// signature, placed in schema position after the Issuer.
func (b *AssertionBuilder) Build(signer *xmlsig.Signer) (*saml.Assertion, error) {
	now := b.clock.Now().UTC()
	notOnOrAfter := now.Add(b.assertionValidity)
	sessionNotOnOrAfter := now.Add(b.sessionValidity)

	assertion := &saml.Assertion{
		ID:           newMessageID(),
		IssueInstant: now,
		Version:      "2.0",
		Issuer: saml.Issuer{
			Format: saml2.NameIDFormatEntity,
			Value:  b.issuer,
		},
		Subject: &saml.Subject{
			NameID: &b.nameID,
			SubjectConfirmations: []saml.SubjectConfirmation{{
				Method: saml2.ConfirmationMethodBearer,
				SubjectConfirmationData: &saml.SubjectConfirmationData{
					Recipient:    b.recipient,
					InResponseTo: b.inResponseTo,
					NotOnOrAfter: notOnOrAfter,
				},
			}},
		},
		Conditions: &saml.Conditions{
			NotBefore:    now,
			NotOnOrAfter: notOnOrAfter,
			AudienceRestrictions: []saml.AudienceRestriction{{
				Audience: saml.Audience{Value: b.audience},
			}},
		},
		AuthnStatements: []saml.AuthnStatement{{
			AuthnInstant:        now,
			SessionIndex:        b.sessionIndex,
			SessionNotOnOrAfter: &sessionNotOnOrAfter,
			AuthnContext: saml.AuthnContext{
				AuthnContextClassRef: &saml.AuthnContextClassRef{Value: b.authnContext},
			},
		}},
	}

	if len(b.attributes) > 0 {
		names := make([]string, 0, len(b.attributes))
		for name := range b.attributes {
			names = append(names, name)
		}
		sort.Strings(names)

		stmt := saml.AttributeStatement{}
		for _, name := range names {
			attr := saml.Attribute{
				Name:       name,
				NameFormat: saml2.NameFormatUnspecified,
			}
			for _, v := range b.attributes[name] {
				attr.Values = append(attr.Values, saml.AttributeValue{
					Type:  "xs:string",
					Value: v,
				})
			}
			stmt.Attributes = append(stmt.Attributes, attr)
		}
		assertion.AttributeStatements = []saml.AttributeStatement{stmt}
	}

	if signer != nil {
		if err := signAssertion(assertion, signer); err != nil {
			return nil, err
		}
	}
	return assertion, nil
}

// signAssertion signs the assertion element and grafts the signature back
// onto the schema type, which re-emits it after the Issuer.
func signAssertion(assertion *saml.Assertion, signer *xmlsig.Signer) error {
	signed, err := signer.SignEnveloped(assertion.Element())
	if err != nil {
		return fmt.Errorf("sign assertion: %w", err)
	}
	sigEl, err := xmlsig.ExtractSignature(signed)
	if err != nil {
		return fmt.Errorf("sign assertion: %w", err)
	}
	assertion.Signature = sigEl
	return nil
}
