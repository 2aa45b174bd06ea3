package idp

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/google/uuid"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/xmlsig"
)

const metadataContentType = "application/samlmetadata+xml"

// ServeMetadata publishes the IdP's entity descriptor.
func (p *Processor) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	data, err := p.Metadata()
	if err != nil {
		p.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", metadataContentType)
	w.Write(data)
}

// Metadata renders the entity descriptor, signed when configured.
func (p *Processor) Metadata() ([]byte, error) {
	certData := base64.StdEncoding.EncodeToString(p.idp.KeyPair.Cert.Raw)
	wantSigned := p.idp.WantAuthnRequestsSigned

	var ssoServices, sloServices []saml.Endpoint
	if p.idp.SSOHTTPRedirectEnabled {
		ssoServices = append(ssoServices, saml.Endpoint{Binding: saml.HTTPRedirectBinding, Location: p.idp.SSOServiceURL})
	}
	if p.idp.SSOHTTPPostEnabled {
		ssoServices = append(ssoServices, saml.Endpoint{Binding: saml.HTTPPostBinding, Location: p.idp.SSOServiceURL})
	}
	if p.idp.SLOHTTPRedirectEnabled {
		sloServices = append(sloServices, saml.Endpoint{Binding: saml.HTTPRedirectBinding, Location: p.idp.SLOServiceURL})
	}
	if p.idp.SLOHTTPPostEnabled {
		sloServices = append(sloServices, saml.Endpoint{Binding: saml.HTTPPostBinding, Location: p.idp.SLOServiceURL})
	}

	descriptor := saml.EntityDescriptor{
		EntityID:      p.idp.EntityID,
		ValidUntil:    p.clock.Now().UTC().Add(p.idp.MetadataCacheDuration),
		CacheDuration: p.idp.MetadataCacheDuration,
		IDPSSODescriptors: []saml.IDPSSODescriptor{{
			SSODescriptor: saml.SSODescriptor{
				RoleDescriptor: saml.RoleDescriptor{
					ProtocolSupportEnumeration: saml2.ProtocolNamespace,
					KeyDescriptors: []saml.KeyDescriptor{{
						Use: "signing",
						KeyInfo: saml.KeyInfo{
							X509Data: saml.X509Data{
								X509Certificates: []saml.X509Certificate{{Data: certData}},
							},
						},
					}},
				},
				SingleLogoutServices: sloServices,
				NameIDFormats: []saml.NameIDFormat{
					saml.NameIDFormat(saml2.NameIDFormatUnspecified),
					saml.NameIDFormat(saml2.NameIDFormatEmailAddress),
					saml.NameIDFormat(saml2.NameIDFormatPersistent),
					saml.NameIDFormat(saml2.NameIDFormatTransient),
				},
			},
			WantAuthnRequestsSigned: &wantSigned,
			SingleSignOnServices:    ssoServices,
		}},
	}

	raw, err := xml.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	root := doc.Root()
	root.CreateAttr("ID", "_"+uuid.NewString())
	p.appendOrganization(root)
	p.appendContacts(root)

	if p.idp.SignMetadata {
		signed, err := p.signer.SignEnveloped(root)
		if err != nil {
			return nil, fmt.Errorf("sign metadata: %w", err)
		}
		sigEl, err := xmlsig.ExtractSignature(signed)
		if err != nil {
			return nil, fmt.Errorf("sign metadata: %w", err)
		}
		// Schema order puts the signature first inside EntityDescriptor.
		signed.InsertChildAt(0, sigEl)
		doc.SetRoot(signed)
	}

	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize metadata: %w", err)
	}
	return data, nil
}

func (p *Processor) appendOrganization(root *etree.Element) {
	org := p.idp.Organization
	if org == nil {
		return
	}
	el := root.CreateElement("Organization")
	name := el.CreateElement("OrganizationName")
	name.CreateAttr("xml:lang", "en")
	name.SetText(org.Name)
	display := el.CreateElement("OrganizationDisplayName")
	display.CreateAttr("xml:lang", "en")
	display.SetText(org.DisplayName)
	url := el.CreateElement("OrganizationURL")
	url.CreateAttr("xml:lang", "en")
	url.SetText(org.URL)
}

func (p *Processor) appendContacts(root *etree.Element) {
	for _, c := range p.idp.Contacts {
		el := root.CreateElement("ContactPerson")
		el.CreateAttr("contactType", c.Type)
		if c.Company != "" {
			el.CreateElement("Company").SetText(c.Company)
		}
		if c.GivenName != "" {
			el.CreateElement("GivenName").SetText(c.GivenName)
		}
		if c.Surname != "" {
			el.CreateElement("SurName").SetText(c.Surname)
		}
		if c.Email != "" {
			el.CreateElement("EmailAddress").SetText(c.Email)
		}
	}
}
