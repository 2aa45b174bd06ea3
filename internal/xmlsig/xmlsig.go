// Package xmlsig wraps goxmldsig for the enveloped XML signatures the
// protocol engine produces and consumes.
package xmlsig

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/kagerou/idpd/internal/entity"
)

// Signer produces enveloped RSA-SHA256 signatures with the IdP key.
type Signer struct {
	keyPair *entity.KeyPair
}

func NewSigner(kp *entity.KeyPair) *Signer {
	return &Signer{keyPair: kp}
}

// Certificate returns the signing certificate.
func (s *Signer) Certificate() *x509.Certificate {
	return s.keyPair.Cert
}

// Key returns the signing key for query-string signatures.
func (s *Signer) Key() *entity.KeyPair {
	return s.keyPair
}

func (s *Signer) signingContext() (*dsig.SigningContext, error) {
	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(s.keyPair.TLSCertificate()))
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, fmt.Errorf("set signature method: %w", err)
	}
	return ctx, nil
}

// SignEnveloped signs el and returns a copy carrying the signature as its
// last child.
func (s *Signer) SignEnveloped(el *etree.Element) (*etree.Element, error) {
	ctx, err := s.signingContext()
	if err != nil {
		return nil, err
	}
	signed, err := ctx.SignEnveloped(el)
	if err != nil {
		return nil, fmt.Errorf("sign enveloped: %w", err)
	}
	return signed, nil
}

// ExtractSignature pulls the ds:Signature child out of a signed element so
// a schema type can graft it into its proper position.
func ExtractSignature(signed *etree.Element) (*etree.Element, error) {
	children := signed.ChildElements()
	if len(children) == 0 {
		return nil, fmt.Errorf("signed element has no children")
	}
	last := children[len(children)-1]
	if last.Tag != "Signature" {
		return nil, fmt.Errorf("signed element's last child is %s, not Signature", last.Tag)
	}
	return last, nil
}

// HasSignature reports whether el carries a ds:Signature as a direct child.
func HasSignature(el *etree.Element) bool {
	return findChildElement(el, "Signature") != nil
}

// Verify validates el's enveloped signature against the candidate
// certificates. Exactly one candidate must have produced the signature.
func Verify(el *etree.Element, certs []*x509.Certificate) error {
	store := &dsig.MemoryX509CertificateStore{Roots: certs}
	ctx := dsig.NewDefaultValidationContext(store)
	if _, err := ctx.Validate(el); err != nil {
		return fmt.Errorf("validate enveloped signature: %w", err)
	}
	return nil
}

// EmbeddedCertificates returns the DER certificates a signed element embeds
// in its KeyInfo, in document order. Unparseable entries are skipped.
func EmbeddedCertificates(el *etree.Element) []*x509.Certificate {
	sigElem := findChildElement(el, "Signature")
	if sigElem == nil {
		return nil
	}
	keyInfo := findChildElement(sigElem, "KeyInfo")
	if keyInfo == nil {
		return nil
	}

	var certs []*x509.Certificate
	for _, x509Data := range keyInfo.ChildElements() {
		if x509Data.Tag != "X509Data" {
			continue
		}
		for _, certEl := range x509Data.ChildElements() {
			if certEl.Tag != "X509Certificate" {
				continue
			}
			cleaned := strings.Join(strings.Fields(certEl.Text()), "")
			der, err := base64.StdEncoding.DecodeString(cleaned)
			if err != nil {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				continue
			}
			certs = append(certs, cert)
		}
	}
	return certs
}

func findChildElement(parent *etree.Element, localName string) *etree.Element {
	for _, child := range parent.ChildElements() {
		if child.Tag == localName {
			return child
		}
	}
	return nil
}
