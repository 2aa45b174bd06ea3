package idp

import (
	"net/http"

	"github.com/crewjam/saml"

	"github.com/kagerou/idpd/internal/binding"
	"github.com/kagerou/idpd/internal/builder"
	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
	"github.com/kagerou/idpd/internal/signature"
	"github.com/kagerou/idpd/internal/state"
	"github.com/kagerou/idpd/internal/xmlsig"
)

const loggedOutPage = `<!DOCTYPE html>
<html>
<head><title>Logged out</title></head>
<body><p>You have been logged out.</p></body>
</html>
`

// ServeSLO is the single logout service endpoint. It accepts LogoutRequests
// from session participants and LogoutResponses answering our propagated
// requests.
func (p *Processor) ServeSLO(w http.ResponseWriter, r *http.Request) {
	p.withFlow(w, r, func(f *state.FlowState) error {
		return p.processSLO(w, r, f)
	})
}

// ServeSLOContinue resumes a logout flow suspended for local session
// teardown.
func (p *Processor) ServeSLOContinue(w http.ResponseWriter, r *http.Request) {
	p.withFlow(w, r, func(f *state.FlowState) error {
		return p.continueSLO(w, r, f)
	})
}

// ServeSLOInit starts an IdP-initiated logout of every session participant.
func (p *Processor) ServeSLOInit(w http.ResponseWriter, r *http.Request) {
	p.withFlow(w, r, func(f *state.FlowState) error {
		return p.initSLO(w, r, f)
	})
}

func (p *Processor) processSLO(w http.ResponseWriter, r *http.Request, f *state.FlowState) error {
	msg, err := binding.Decode(r, p.idp.SLOServiceURL)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case saml2.KindLogoutRequest:
		return p.handleLogoutRequest(w, r, f, msg)
	case saml2.KindLogoutResponse:
		return p.handleLogoutResponse(w, r, f, msg)
	default:
		return samlerr.Protocolf("expected a logout message on the SLO service, got %s", msg.Kind)
	}
}

func (p *Processor) handleLogoutRequest(w http.ResponseWriter, r *http.Request, f *state.FlowState, msg *binding.ReceivedMessage) error {
	sp, err := p.sps.ServiceProvider(msg.Issuer())
	if err != nil {
		return err
	}
	if err := signature.VerifyInbound(msg, sp); err != nil {
		return err
	}

	if err := f.Resume(true); err != nil {
		return err
	}
	if err := f.Apply(state.TriggerSLSStart); err != nil {
		return err
	}
	f.SetPending(saml2.KindLogoutRequest, msg.XML, msg.RelayState)
	if nameID := msg.LogoutRequest.NameID; nameID != nil {
		f.LogoutNameID = nameID.Value
		f.LogoutNameIDFormat = nameID.Format
	}
	// The requesting SP is leaving on its own; it gets the LogoutResponse,
	// not a propagated LogoutRequest.
	f.RemoveParticipant(sp.EntityID)

	p.log.Info("logout request received",
		"sp", sp.EntityID, "request_id", msg.LogoutRequest.ID, "subject", f.LogoutNameID)
	return p.continueSLO(w, r, f)
}

func (p *Processor) handleLogoutResponse(w http.ResponseWriter, r *http.Request, f *state.FlowState, msg *binding.ReceivedMessage) error {
	sp, err := p.sps.ServiceProvider(msg.Issuer())
	if err != nil {
		return err
	}
	if err := signature.VerifyInbound(msg, sp); err != nil {
		return err
	}
	if err := f.Apply(state.TriggerSLSEndPropagate); err != nil {
		return err
	}

	status := msg.LogoutResponse.Status.StatusCode.Value
	if status != saml2.StatusSuccess {
		f.LogoutPartial = true
		p.log.Warn("participant reported logout failure", "sp", sp.EntityID, "status", status)
	} else {
		p.log.Info("logout response received", "sp", sp.EntityID)
	}
	return p.continueSLO(w, r, f)
}

func (p *Processor) initSLO(w http.ResponseWriter, r *http.Request, f *state.FlowState) error {
	if err := f.Resume(true); err != nil {
		return err
	}
	subject := p.subjects.Current(r)
	if subject == nil && !f.HasParticipants() {
		// Nothing to log out of.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := w.Write([]byte(loggedOutPage))
		return err
	}
	if err := f.Apply(state.TriggerSLSStartByIdP); err != nil {
		return err
	}
	if subject != nil {
		f.LogoutNameID = subject.NameID(saml2.NameIDFormatUnspecified)
		f.LogoutNameIDFormat = saml2.NameIDFormatUnspecified
	}

	p.log.Info("logout initiated locally", "subject", f.LogoutNameID)
	handled, err := p.terminator.TerminateSession(w, r, f.ID)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	return p.continueSLO(w, r, f)
}

// continueSLO advances the logout conversation: tear down the local session
// first, then propagate to the remaining participants one round trip at a
// time, and finally answer the initiator.
func (p *Processor) continueSLO(w http.ResponseWriter, r *http.Request, f *state.FlowState) error {
	if f.Node == state.NodeSLSStarted {
		if err := f.Apply(state.TriggerSLSStartDispatch); err != nil {
			return err
		}
		handled, err := p.terminator.TerminateSession(w, r, f.ID)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	if f.Node == state.NodeSLSDispatchStart {
		if err := f.Apply(state.TriggerSLSEndDispatch); err != nil {
			return err
		}
	}

	if f.HasParticipants() {
		return p.propagateLogout(w, f)
	}
	return p.respondSLO(w, f)
}

// propagateLogout sends a LogoutRequest to the most recent remaining
// participant and stops; that SP's LogoutResponse re-enters through the
// SLO service.
func (p *Processor) propagateLogout(w http.ResponseWriter, f *state.FlowState) error {
	if err := f.Apply(state.TriggerSLSStartPropagate); err != nil {
		return err
	}
	entityID, ok := f.PopParticipant()
	if !ok {
		return samlerr.State("no participant left to propagate logout to")
	}
	sp, err := p.sps.ServiceProvider(entityID)
	if err != nil {
		return err
	}
	ep, err := sp.LogoutEndpoint()
	if err != nil {
		return err
	}

	var signer *xmlsig.Signer
	signRedirect := false
	switch ep.Binding {
	case saml.HTTPRedirectBinding:
		// Unsigned redirect requests are not supported, so the query
		// string is always signed regardless of the SP's preference.
		signRedirect = true
	case saml.HTTPPostBinding:
		if sp.WantSignedLogoutRequest {
			signer = p.signer
		}
	}

	xmlData, requestID, err := builder.NewLogoutRequest(p.clock, p.idp.EntityID).
		Destination(ep.Location).
		Subject(f.LogoutNameID, f.LogoutNameIDFormat, sp.NameQualifier).
		SessionIndex(f.ID).
		NotOnOrAfter(p.idp.AssertionValidity).
		Build(signer)
	if err != nil {
		return err
	}

	p.log.Info("propagating logout", "sp", sp.EntityID, "request_id", requestID, "binding", ep.Binding)
	out := &binding.Outbound{
		Kind:        saml2.KindLogoutRequest,
		Destination: ep.Location,
		XML:         xmlData,
	}
	return p.send(w, out, ep.Binding, signRedirect)
}

// respondSLO closes the conversation: answer the initiating SP's
// LogoutRequest, or show a plain page when the logout started locally.
func (p *Processor) respondSLO(w http.ResponseWriter, f *state.FlowState) error {
	req, err := f.PendingLogoutRequest()
	if err != nil {
		return err
	}
	relayState := f.RelayState()
	if err := f.Apply(state.TriggerSLSRespond); err != nil {
		return err
	}

	if req == nil {
		p.log.Info("logout complete, no initiator to answer")
		if err := f.Resume(true); err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := w.Write([]byte(loggedOutPage))
		return err
	}

	if req.Issuer == nil {
		return samlerr.Protocol("logout request carries no issuer")
	}
	sp, err := p.sps.ServiceProvider(req.Issuer.Value)
	if err != nil {
		return err
	}
	location, bindingURN, err := sp.LogoutResponseLocation()
	if err != nil {
		return err
	}

	var signer *xmlsig.Signer
	signRedirect := false
	switch bindingURN {
	case saml.HTTPRedirectBinding:
		signRedirect = sp.WantSignedLogoutResponse
	case saml.HTTPPostBinding:
		if sp.WantSignedLogoutResponse {
			signer = p.signer
		}
	}

	status := saml2.StatusSuccess
	if f.LogoutPartial {
		status = saml2.StatusPartialLogout
	}
	xmlData, err := builder.NewLogoutResponse(p.clock, p.idp.EntityID).
		Destination(location).
		InResponseTo(req.ID).
		Status(status).
		Build(signer)
	if err != nil {
		return err
	}

	p.log.Info("answering logout request", "sp", sp.EntityID, "in_response_to", req.ID)
	out := &binding.Outbound{
		Kind:        saml2.KindLogoutResponse,
		Destination: location,
		RelayState:  relayState,
		XML:         xmlData,
	}
	if err := p.send(w, out, bindingURN, signRedirect); err != nil {
		return err
	}
	return f.Resume(true)
}
