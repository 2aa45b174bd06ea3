package saml2

// MessageKind identifies which SAML protocol message a payload carries.
type MessageKind string

const (
	KindAuthnRequest   MessageKind = "AuthnRequest"
	KindAuthnResponse  MessageKind = "Response"
	KindLogoutRequest  MessageKind = "LogoutRequest"
	KindLogoutResponse MessageKind = "LogoutResponse"
)

// IsRequest reports whether the kind travels in the SAMLRequest parameter.
func (k MessageKind) IsRequest() bool {
	return k == KindAuthnRequest || k == KindLogoutRequest
}

// Parameter returns the HTTP parameter name carrying this kind of message.
func (k MessageKind) Parameter() string {
	if k.IsRequest() {
		return "SAMLRequest"
	}
	return "SAMLResponse"
}
