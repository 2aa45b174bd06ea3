package idp

import (
	"net/http"

	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/binding"
	"github.com/kagerou/idpd/internal/builder"
	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
	"github.com/kagerou/idpd/internal/signature"
	"github.com/kagerou/idpd/internal/state"
	"github.com/kagerou/idpd/internal/xmlsig"
)

// ServeSSO is the single sign-on service endpoint.
func (p *Processor) ServeSSO(w http.ResponseWriter, r *http.Request) {
	p.withFlow(w, r, func(f *state.FlowState) error {
		return p.processSSO(w, r, f)
	})
}

// ServeSSOContinue resumes a flow suspended for authentication.
func (p *Processor) ServeSSOContinue(w http.ResponseWriter, r *http.Request) {
	p.withFlow(w, r, func(f *state.FlowState) error {
		return p.continueSSO(w, r, f)
	})
}

func (p *Processor) processSSO(w http.ResponseWriter, r *http.Request, f *state.FlowState) error {
	if err := f.Resume(true); err != nil {
		return err
	}
	if err := f.Apply(state.TriggerSSOStart); err != nil {
		return err
	}

	msg, err := binding.Decode(r, p.idp.SSOServiceURL)
	if err != nil {
		return err
	}
	if msg.Kind != saml2.KindAuthnRequest {
		return samlerr.Protocolf("expected an AuthnRequest on the SSO service, got %s", msg.Kind)
	}

	sp, err := p.sps.ServiceProvider(msg.Issuer())
	if err != nil {
		return err
	}
	if err := signature.VerifyInbound(msg, sp); err != nil {
		return err
	}

	req := msg.AuthnRequest
	f.SetPending(saml2.KindAuthnRequest, msg.XML, msg.RelayState)
	p.log.Info("authentication request received",
		"sp", sp.EntityID, "request_id", req.ID, "binding", msg.Binding)

	if boolValue(req.IsPassive) && boolValue(req.ForceAuthn) {
		return p.respondSSOFailure(w, f, sp, req, saml2.StatusRequester, "")
	}

	if subject := p.subjects.Current(r); subject != nil {
		// Already signed on; answer from the existing session.
		f.AuthnContext = p.idp.PreviousSessionContext
		return p.continueSSO(w, r, f)
	}

	if boolValue(req.IsPassive) {
		return p.respondSSOFailure(w, f, sp, req, saml2.StatusRequester, saml2.StatusNoPassive)
	}

	handled, err := p.auth.StartAuthentication(w, r, f.ID)
	if err != nil {
		return err
	}
	if !handled {
		return p.respondSSOFailure(w, f, sp, req, saml2.StatusResponder, saml2.StatusAuthnFailed)
	}
	return f.Apply(state.TriggerSSOStartAuthenticate)
}

func (p *Processor) continueSSO(w http.ResponseWriter, r *http.Request, f *state.FlowState) error {
	req, err := f.PendingAuthnRequest()
	if err != nil {
		return err
	}
	if req.Issuer == nil {
		return samlerr.Protocol("authentication request carries no issuer")
	}
	sp, err := p.sps.ServiceProvider(req.Issuer.Value)
	if err != nil {
		return err
	}
	acs, err := sp.AssertionConsumer(req)
	if err != nil {
		return err
	}

	if f.AuthnContext == "" {
		f.AuthnContext = saml2.ACPasswordProtectedTransport
	}

	subject := p.subjects.Current(r)
	if subject == nil || f.Node == state.NodeSSOAuthenticatingFailed {
		return p.respondSSOFailure(w, f, sp, req, saml2.StatusResponder, saml2.StatusAuthnFailed)
	}

	nameIDFormat := sp.NameIDFormat
	if req.NameIDPolicy != nil && req.NameIDPolicy.Format != nil && *req.NameIDPolicy.Format != "" {
		nameIDFormat = *req.NameIDPolicy.Format
	}

	var assertionSigner *xmlsig.Signer
	if sp.WantSignedAssertions {
		assertionSigner = p.signer
	}
	assertion, err := builder.NewAssertion(p.clock, p.idp.EntityID).
		Audience(sp.EntityID).
		Subject(subject.NameID(nameIDFormat), nameIDFormat, sp.NameQualifier).
		Confirmation(acs.Location, req.ID).
		Validity(p.idp.AssertionValidity, p.idp.SessionValidity).
		AuthnContext(f.AuthnContext).
		SessionIndex(f.ID).
		Attributes(subject.Attributes()).
		Build(assertionSigner)
	if err != nil {
		return err
	}

	xmlData, err := builder.NewResponse(p.clock, p.idp.EntityID).
		Destination(acs.Location).
		InResponseTo(req.ID).
		Assertion(assertion).
		Build()
	if err != nil {
		return err
	}

	f.AddParticipant(sp.EntityID)
	p.log.Info("issuing assertion", "sp", sp.EntityID, "subject", subject.NameID(nameIDFormat))
	return p.sendSSOResponse(w, f, acs, xmlData)
}

// respondSSOFailure answers the pending AuthnRequest with a SAML error
// response over the resolved ACS binding.
func (p *Processor) respondSSOFailure(w http.ResponseWriter, f *state.FlowState, sp *entity.ServiceProvider, req *saml.AuthnRequest, status, subStatus string) error {
	acs, err := sp.AssertionConsumer(req)
	if err != nil {
		return err
	}
	xmlData, err := builder.NewResponse(p.clock, p.idp.EntityID).
		Destination(acs.Location).
		InResponseTo(req.ID).
		Status(status, subStatus).
		Build()
	if err != nil {
		return err
	}
	p.log.Info("rejecting authentication request",
		"sp", sp.EntityID, "request_id", req.ID, "status", status, "sub_status", subStatus)
	return p.sendSSOResponse(w, f, acs, xmlData)
}

// sendSSOResponse moves the flow through responding back to initial and
// delivers the response. The outer Response is never signed; only the
// assertion inside carries a signature.
func (p *Processor) sendSSOResponse(w http.ResponseWriter, f *state.FlowState, acs *saml.IndexedEndpoint, xmlData []byte) error {
	relayState := f.RelayState()
	if err := f.Apply(state.TriggerSSORespond); err != nil {
		return err
	}
	out := &binding.Outbound{
		Kind:        saml2.KindAuthnResponse,
		Destination: acs.Location,
		RelayState:  relayState,
		XML:         xmlData,
	}
	if err := p.send(w, out, acs.Binding, false); err != nil {
		return err
	}
	return f.Resume(true)
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
