// Package signature enforces the per-service-provider inbound signature
// policy over messages recovered by the binding layer.
package signature

import (
	"bytes"
	"crypto/x509"

	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/binding"
	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
	"github.com/kagerou/idpd/internal/xmlsig"
)

// VerifyInbound checks msg against sp's signing policy. Messages the SP
// does not require signatures on pass without any verification attempt;
// required signatures fail closed.
func VerifyInbound(msg *binding.ReceivedMessage, sp *entity.ServiceProvider) error {
	if !required(msg.Kind, sp) {
		return nil
	}

	candidates := sp.SigningCerts()
	if embedded := xmlsig.EmbeddedCertificates(msg.Root); len(embedded) > 0 {
		candidates = narrow(candidates, embedded)
	}
	if len(candidates) == 0 {
		return samlerr.Protocolf("no signing certificates available for %s", sp.EntityID)
	}
	if !msg.Signed {
		return samlerr.Protocolf("%s from %s must be signed", msg.Kind, sp.EntityID)
	}

	var lastErr error
	for _, cert := range candidates {
		var err error
		switch msg.Binding {
		case saml.HTTPRedirectBinding:
			err = binding.VerifyRedirectSignature(msg, cert)
		case saml.HTTPPostBinding:
			err = xmlsig.Verify(msg.Root, []*x509.Certificate{cert})
		default:
			return samlerr.Unsupported("no signature rules for binding " + msg.Binding)
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return samlerr.Wrap(samlerr.KindProtocol, "signature verification failed for all candidate certificates", lastErr)
}

func required(kind saml2.MessageKind, sp *entity.ServiceProvider) bool {
	switch kind {
	case saml2.KindAuthnRequest:
		return sp.WantSignedAuthnRequest
	case saml2.KindLogoutRequest:
		return sp.WantSignedLogoutRequest
	case saml2.KindLogoutResponse:
		return sp.WantSignedLogoutResponse
	default:
		return false
	}
}

// narrow keeps the registered certificates whose DER bytes match one the
// message embeds, so a signature can only verify against key material the
// peer itself presented.
func narrow(registered, embedded []*x509.Certificate) []*x509.Certificate {
	var out []*x509.Certificate
	for _, reg := range registered {
		for _, emb := range embedded {
			if bytes.Equal(reg.Raw, emb.Raw) {
				out = append(out, reg)
				break
			}
		}
	}
	return out
}
