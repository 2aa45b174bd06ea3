// Package saml2 holds the SAML 2.0 protocol URN constants shared by the
// binding, builder and processor layers. Binding URNs live in crewjam/saml.
package saml2

// Top-level and second-level status codes.
const (
	StatusSuccess       = "urn:oasis:names:tc:SAML:2.0:status:Success"
	StatusRequester     = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder     = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusNoPassive     = "urn:oasis:names:tc:SAML:2.0:status:NoPassive"
	StatusAuthnFailed   = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
	StatusPartialLogout = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"
)

// Authentication context classes.
const (
	ACPasswordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	ACPassword                   = "urn:oasis:names:tc:SAML:2.0:ac:classes:Password"
	ACPreviousSession            = "urn:oasis:names:tc:SAML:2.0:ac:classes:PreviousSession"
	ACUnspecified                = "urn:oasis:names:tc:SAML:2.0:ac:classes:unspecified"
)

// NameID formats.
const (
	NameIDFormatUnspecified  = "urn:oasis:names:tc:SAML:1.1:nameid-format:unspecified"
	NameIDFormatEmailAddress = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	NameIDFormatPersistent   = "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent"
	NameIDFormatTransient    = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"
	NameIDFormatEntity       = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
)

// ProtocolNamespace is the protocol support enumeration advertised in
// metadata.
const ProtocolNamespace = "urn:oasis:names:tc:SAML:2.0:protocol"

// Subject confirmation methods.
const ConfirmationMethodBearer = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

// Attribute name formats.
const NameFormatUnspecified = "urn:oasis:names:tc:SAML:2.0:attrname-format:unspecified"

// Signature algorithm identifiers used by the redirect binding's SigAlg
// parameter.
const (
	SigAlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	SigAlgRSASHA384 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	SigAlgRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
)
