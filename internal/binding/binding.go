// Package binding implements the HTTP-Redirect and HTTP-POST message
// codecs: receiving SAML protocol messages from the front channel and
// encoding outbound ones.
package binding

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	xrv "github.com/mattermost/xml-roundtrip-validator"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
	"github.com/kagerou/idpd/internal/xmlsig"
)

// maxMessageSize caps the inflated size of an inbound message.
const maxMessageSize = 1 << 20

// ReceivedMessage is an inbound protocol message recovered from the wire,
// with everything the signature policy needs to judge it.
type ReceivedMessage struct {
	Kind       saml2.MessageKind
	Binding    string
	RelayState string
	XML        []byte
	Root       *etree.Element

	// Signed reports a query signature (redirect) or an embedded XML
	// signature (POST).
	Signed bool

	// SignedQuery is the exact wire substring a redirect signature
	// covers, in wire order and wire escaping.
	SignedQuery string
	SigAlg      string
	Signature   []byte

	AuthnRequest   *saml.AuthnRequest
	LogoutRequest  *saml.LogoutRequest
	LogoutResponse *saml.LogoutResponse
}

func (m *ReceivedMessage) Issuer() string {
	switch {
	case m.AuthnRequest != nil && m.AuthnRequest.Issuer != nil:
		return m.AuthnRequest.Issuer.Value
	case m.LogoutRequest != nil && m.LogoutRequest.Issuer != nil:
		return m.LogoutRequest.Issuer.Value
	case m.LogoutResponse != nil && m.LogoutResponse.Issuer != nil:
		return m.LogoutResponse.Issuer.Value
	}
	return ""
}

func (m *ReceivedMessage) ID() string {
	switch {
	case m.AuthnRequest != nil:
		return m.AuthnRequest.ID
	case m.LogoutRequest != nil:
		return m.LogoutRequest.ID
	case m.LogoutResponse != nil:
		return m.LogoutResponse.ID
	}
	return ""
}

func (m *ReceivedMessage) Destination() string {
	switch {
	case m.AuthnRequest != nil:
		return m.AuthnRequest.Destination
	case m.LogoutRequest != nil:
		return m.LogoutRequest.Destination
	case m.LogoutResponse != nil:
		return m.LogoutResponse.Destination
	}
	return ""
}

func (m *ReceivedMessage) InResponseTo() string {
	if m.LogoutResponse != nil {
		return m.LogoutResponse.InResponseTo
	}
	return ""
}

// Decode recovers the SAML message carried by r. The request method selects
// the binding rules; the recovered message's Destination must match
// expectedDestination.
func Decode(r *http.Request, expectedDestination string) (*ReceivedMessage, error) {
	msg := &ReceivedMessage{}

	var payload string
	switch r.Method {
	case http.MethodGet:
		msg.Binding = saml.HTTPRedirectBinding
		q := r.URL.Query()
		var param string
		payload, param = pickPayload(q.Get("SAMLRequest"), q.Get("SAMLResponse"))
		if param == "" {
			return nil, samlerr.Protocol("expected exactly one of SAMLRequest or SAMLResponse")
		}
		msg.RelayState = q.Get("RelayState")
		msg.SigAlg = q.Get("SigAlg")
		if sig := q.Get("Signature"); sig != "" {
			raw, err := base64.StdEncoding.DecodeString(sig)
			if err != nil {
				return nil, samlerr.Wrap(samlerr.KindProtocol, "decode Signature parameter", err)
			}
			msg.Signed = true
			msg.Signature = raw
			msg.SignedQuery = signedQuery(r.URL.RawQuery, param)
		}

		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, samlerr.Wrap(samlerr.KindProtocol, "base64 decode message", err)
		}
		msg.XML, err = inflate(data)
		if err != nil {
			return nil, samlerr.Wrap(samlerr.KindProtocol, "inflate message", err)
		}

	case http.MethodPost:
		msg.Binding = saml.HTTPPostBinding
		if err := r.ParseForm(); err != nil {
			return nil, samlerr.Wrap(samlerr.KindProtocol, "parse form", err)
		}
		var param string
		payload, param = pickPayload(r.PostForm.Get("SAMLRequest"), r.PostForm.Get("SAMLResponse"))
		if param == "" {
			return nil, samlerr.Protocol("expected exactly one of SAMLRequest or SAMLResponse")
		}
		msg.RelayState = r.PostForm.Get("RelayState")

		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, samlerr.Wrap(samlerr.KindProtocol, "base64 decode message", err)
		}
		msg.XML = data

	default:
		return nil, samlerr.Unsupported(fmt.Sprintf("no binding for method %s", r.Method))
	}

	if err := parseMessage(msg); err != nil {
		return nil, err
	}

	if msg.Binding == saml.HTTPPostBinding {
		msg.Signed = xmlsig.HasSignature(msg.Root)
	}

	if expectedDestination != "" && msg.Destination() != expectedDestination {
		return nil, samlerr.Protocolf("message destination %q does not match %q",
			msg.Destination(), expectedDestination)
	}
	return msg, nil
}

func pickPayload(request, response string) (payload, param string) {
	switch {
	case request != "" && response == "":
		return request, "SAMLRequest"
	case response != "" && request == "":
		return response, "SAMLResponse"
	default:
		return "", ""
	}
}

func parseMessage(msg *ReceivedMessage) error {
	if err := xrv.Validate(bytes.NewReader(msg.XML)); err != nil {
		return samlerr.Wrap(samlerr.KindProtocol, "invalid XML", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(msg.XML); err != nil {
		return samlerr.Wrap(samlerr.KindProtocol, "parse XML", err)
	}
	root := doc.Root()
	if root == nil {
		return samlerr.Protocol("empty XML document")
	}
	msg.Root = root

	var target any
	switch root.Tag {
	case "AuthnRequest":
		msg.Kind = saml2.KindAuthnRequest
		msg.AuthnRequest = &saml.AuthnRequest{}
		target = msg.AuthnRequest
	case "LogoutRequest":
		msg.Kind = saml2.KindLogoutRequest
		msg.LogoutRequest = &saml.LogoutRequest{}
		target = msg.LogoutRequest
	case "LogoutResponse":
		msg.Kind = saml2.KindLogoutResponse
		msg.LogoutResponse = &saml.LogoutResponse{}
		target = msg.LogoutResponse
	default:
		return samlerr.Protocolf("unexpected message element %q", root.Tag)
	}

	if err := xml.Unmarshal(msg.XML, target); err != nil {
		return samlerr.Wrap(samlerr.KindProtocol, "unmarshal "+root.Tag, err)
	}
	return nil
}

// signedQuery reassembles the signed portion of the wire query string,
// keeping each parameter's original escaping untouched.
func signedQuery(rawQuery, payloadParam string) string {
	segments := strings.Split(rawQuery, "&")
	find := func(name string) (string, bool) {
		prefix := name + "="
		for _, seg := range segments {
			if strings.HasPrefix(seg, prefix) {
				return seg, true
			}
		}
		return "", false
	}

	var parts []string
	for _, name := range []string{payloadParam, "RelayState", "SigAlg"} {
		if seg, ok := find(name); ok {
			parts = append(parts, seg)
		}
	}
	return strings.Join(parts, "&")
}

func inflate(data []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(io.LimitReader(fr, maxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds %d bytes", maxMessageSize)
	}
	return out, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("deflate message: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("flush deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}
