package binding

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
)

// Outbound is a protocol message ready for encoding. XML holds the final
// serialized document; for the POST binding any embedded signature is
// already applied.
type Outbound struct {
	Kind        saml2.MessageKind
	Destination string
	RelayState  string
	XML         []byte
}

// EncodeRedirect builds the redirect location for an outbound message. A
// non-nil key produces a query-signed message (RSA-SHA256 over the ordered
// query string); requests must be signed because the engine does not emit
// unsigned redirect requests.
func EncodeRedirect(out *Outbound, key *rsa.PrivateKey) (string, error) {
	if key == nil && out.Kind.IsRequest() {
		return "", samlerr.Unsupported("unsigned redirect binding requests are not supported")
	}

	compressed, err := deflate(out.XML)
	if err != nil {
		return "", err
	}
	payload := base64.StdEncoding.EncodeToString(compressed)

	query := out.Kind.Parameter() + "=" + url.QueryEscape(payload)
	if out.RelayState != "" {
		query += "&RelayState=" + url.QueryEscape(out.RelayState)
	}
	if key != nil {
		query += "&SigAlg=" + url.QueryEscape(saml2.SigAlgRSASHA256)
		digest := crypto.SHA256.New()
		digest.Write([]byte(query))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest.Sum(nil))
		if err != nil {
			return "", fmt.Errorf("sign redirect query: %w", err)
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))
	}

	sep := "?"
	if strings.Contains(out.Destination, "?") {
		sep = "&"
	}
	return out.Destination + sep + query, nil
}

// VerifyRedirectSignature checks a received redirect message's query
// signature against cert, using the algorithm named on the wire.
func VerifyRedirectSignature(msg *ReceivedMessage, cert *x509.Certificate) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return samlerr.Protocol("certificate does not hold an RSA public key")
	}

	var hash crypto.Hash
	switch msg.SigAlg {
	case saml2.SigAlgRSASHA1:
		hash = crypto.SHA1
	case saml2.SigAlgRSASHA256:
		hash = crypto.SHA256
	case saml2.SigAlgRSASHA384:
		hash = crypto.SHA384
	case saml2.SigAlgRSASHA512:
		hash = crypto.SHA512
	default:
		return samlerr.Protocolf("unsupported signature algorithm %q", msg.SigAlg)
	}

	digest := hash.New()
	digest.Write([]byte(msg.SignedQuery))
	if err := rsa.VerifyPKCS1v15(pub, hash, digest.Sum(nil), msg.Signature); err != nil {
		return samlerr.Wrap(samlerr.KindProtocol, "verify redirect signature", err)
	}
	return nil
}
