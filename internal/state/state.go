// Package state implements the flow state machine tracking one browser's
// SSO and SLO conversations with the identity provider. Every legality
// question goes through the single transition table; callers never compare
// nodes directly.
package state

import (
	"encoding/xml"

	"github.com/crewjam/saml"
	"github.com/google/uuid"

	"github.com/kagerou/idpd/internal/saml2"
	"github.com/kagerou/idpd/internal/samlerr"
)

// Node is a position in the flow state machine.
type Node string

const (
	NodeInitial Node = "initial"

	NodeSSOStarted               Node = "sso_started"
	NodeSSOAuthenticating        Node = "sso_authenticating"
	NodeSSOAuthenticatingFailed  Node = "sso_authenticating_failed"
	NodeSSOAuthenticatingSuccess Node = "sso_authenticating_success"
	NodeSSOResponding            Node = "sso_responding"

	NodeSLSStarted        Node = "sls_started"
	NodeSLSDispatchStart  Node = "sls_dispatch_start"
	NodeSLSDispatchEnd    Node = "sls_dispatch_end"
	NodeSLSPropagateStart Node = "sls_propagate_start"
	NodeSLSPropagateEnd   Node = "sls_propagate_end"
	NodeSLSResponding     Node = "sls_responding"
)

// Trigger names an event that can move the flow between nodes.
type Trigger string

const (
	TriggerSSOStart               Trigger = "sso_start"
	TriggerSSOStartAuthenticate   Trigger = "sso_start_authenticate"
	TriggerSSOAuthenticateFail    Trigger = "sso_authenticate_fail"
	TriggerSSOAuthenticateSuccess Trigger = "sso_authenticate_success"
	TriggerSSORespond             Trigger = "sso_respond"
	TriggerSSOResume              Trigger = "sso_resume"

	TriggerSLSStart          Trigger = "sls_start"
	TriggerSLSStartByIdP     Trigger = "sls_start_by_idp"
	TriggerSLSStartDispatch  Trigger = "sls_start_dispatch"
	TriggerSLSEndDispatch    Trigger = "sls_end_dispatch"
	TriggerSLSStartPropagate Trigger = "sls_start_propagate"
	TriggerSLSEndPropagate   Trigger = "sls_end_propagate"
	TriggerSLSRespond        Trigger = "sls_respond"
	TriggerSLSResume         Trigger = "sls_resume"
)

type transition struct {
	from []Node
	to   Node
}

var transitions = map[Trigger]transition{
	TriggerSSOStart:               {from: []Node{NodeInitial}, to: NodeSSOStarted},
	TriggerSSOStartAuthenticate:   {from: []Node{NodeSSOStarted}, to: NodeSSOAuthenticating},
	TriggerSSOAuthenticateFail:    {from: []Node{NodeSSOAuthenticating}, to: NodeSSOAuthenticatingFailed},
	TriggerSSOAuthenticateSuccess: {from: []Node{NodeSSOAuthenticating}, to: NodeSSOAuthenticatingSuccess},
	TriggerSSORespond:             {from: []Node{NodeSSOStarted, NodeSSOAuthenticatingSuccess, NodeSSOAuthenticatingFailed}, to: NodeSSOResponding},
	TriggerSSOResume:              {from: []Node{NodeSSOResponding}, to: NodeInitial},

	TriggerSLSStart:          {from: []Node{NodeInitial}, to: NodeSLSStarted},
	TriggerSLSStartByIdP:     {from: []Node{NodeInitial}, to: NodeSLSDispatchEnd},
	TriggerSLSStartDispatch:  {from: []Node{NodeSLSStarted}, to: NodeSLSDispatchStart},
	TriggerSLSEndDispatch:    {from: []Node{NodeSLSDispatchStart}, to: NodeSLSDispatchEnd},
	TriggerSLSStartPropagate: {from: []Node{NodeSLSDispatchEnd, NodeSLSPropagateEnd}, to: NodeSLSPropagateStart},
	TriggerSLSEndPropagate:   {from: []Node{NodeSLSPropagateStart}, to: NodeSLSPropagateEnd},
	TriggerSLSRespond:        {from: []Node{NodeSLSDispatchEnd, NodeSLSPropagateEnd}, to: NodeSLSResponding},
	TriggerSLSResume:         {from: []Node{NodeSLSResponding}, to: NodeInitial},
}

// PendingMessage is the inbound protocol message the flow is currently
// serving, kept as raw XML so the state survives serialization.
type PendingMessage struct {
	Kind       saml2.MessageKind `json:"kind"`
	XML        []byte            `json:"xml"`
	RelayState string            `json:"relay_state,omitempty"`
}

// FlowState is one browser's conversation state.
type FlowState struct {
	ID           string          `json:"id"`
	Node         Node            `json:"node"`
	Pending      *PendingMessage `json:"pending,omitempty"`
	AuthnContext string          `json:"authn_context,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	LoginRetries int             `json:"login_retries,omitempty"`

	// Logout subject, captured when an SLO conversation starts so
	// propagated LogoutRequests can name the principal after the local
	// session is gone.
	LogoutNameID       string `json:"logout_name_id,omitempty"`
	LogoutNameIDFormat string `json:"logout_name_id_format,omitempty"`

	// LogoutPartial records that some participant failed its logout, so
	// the final response reports PartialLogout instead of Success.
	LogoutPartial bool `json:"logout_partial,omitempty"`
}

// New creates a fresh flow in the initial node.
func New() *FlowState {
	return &FlowState{ID: uuid.NewString(), Node: NodeInitial}
}

func (t transition) allows(n Node) bool {
	for _, from := range t.from {
		if from == n {
			return true
		}
	}
	return false
}

// Can reports whether the trigger may fire now. It additionally requires a
// pending message, so resume triggers never fire on an abandoned flow that
// lost its message.
func (f *FlowState) Can(tr Trigger) bool {
	t, ok := transitions[tr]
	return ok && t.allows(f.Node) && f.Pending != nil
}

// Apply fires the trigger, moving the flow to the target node. Reaching the
// initial node ends the conversation and clears its per-conversation data;
// the participating service provider list survives across conversations.
func (f *FlowState) Apply(tr Trigger) error {
	t, ok := transitions[tr]
	if !ok {
		return samlerr.Statef("unknown trigger %q", tr)
	}
	if !t.allows(f.Node) {
		return samlerr.Statef("cannot apply %s in node %s", tr, f.Node)
	}
	f.Node = t.to
	if f.Node == NodeInitial {
		f.Pending = nil
		f.AuthnContext = ""
		f.LoginRetries = 0
		f.LogoutNameID = ""
		f.LogoutNameIDFormat = ""
		f.LogoutPartial = false
	}
	return nil
}

// Resume completes a conversation sitting in a responding node. With force
// set, a flow that cannot resume is reset to the initial node instead of
// erroring, which makes Resume(true) idempotent on a fresh flow.
func (f *FlowState) Resume(force bool) error {
	switch {
	case f.Can(TriggerSSOResume):
		return f.Apply(TriggerSSOResume)
	case f.Can(TriggerSLSResume):
		return f.Apply(TriggerSLSResume)
	case force:
		f.Node = NodeInitial
		f.Pending = nil
		f.AuthnContext = ""
		f.LoginRetries = 0
		f.LogoutNameID = ""
		f.LogoutNameIDFormat = ""
		f.LogoutPartial = false
		return nil
	default:
		return samlerr.Statef("cannot resume from node %s", f.Node)
	}
}

// SetPending stashes the inbound message the flow is serving.
func (f *FlowState) SetPending(kind saml2.MessageKind, xmlData []byte, relayState string) {
	f.Pending = &PendingMessage{Kind: kind, XML: xmlData, RelayState: relayState}
}

// CanSSOContinue reports whether an authentication request is stashed.
func (f *FlowState) CanSSOContinue() bool {
	return f.Pending != nil && f.Pending.Kind == saml2.KindAuthnRequest
}

// PendingAuthnRequest decodes the stashed AuthnRequest.
func (f *FlowState) PendingAuthnRequest() (*saml.AuthnRequest, error) {
	if !f.CanSSOContinue() {
		return nil, samlerr.State("no authentication request pending")
	}
	var req saml.AuthnRequest
	if err := xml.Unmarshal(f.Pending.XML, &req); err != nil {
		return nil, samlerr.Wrap(samlerr.KindState, "decode pending authentication request", err)
	}
	return &req, nil
}

// PendingLogoutRequest decodes the stashed LogoutRequest, or returns nil
// when the conversation was not started by one.
func (f *FlowState) PendingLogoutRequest() (*saml.LogoutRequest, error) {
	if f.Pending == nil || f.Pending.Kind != saml2.KindLogoutRequest {
		return nil, nil
	}
	var req saml.LogoutRequest
	if err := xml.Unmarshal(f.Pending.XML, &req); err != nil {
		return nil, samlerr.Wrap(samlerr.KindState, "decode pending logout request", err)
	}
	return &req, nil
}

// RelayState returns the relay state of the pending message.
func (f *FlowState) RelayState() string {
	if f.Pending == nil {
		return ""
	}
	return f.Pending.RelayState
}

// AddParticipant records a service provider that received an assertion in
// this session. Appending an SP already present moves nothing; the list
// stays deduplicated in arrival order.
func (f *FlowState) AddParticipant(entityID string) {
	for _, p := range f.Participants {
		if p == entityID {
			return
		}
	}
	f.Participants = append(f.Participants, entityID)
}

// RemoveParticipant drops the given service provider from the list.
func (f *FlowState) RemoveParticipant(entityID string) {
	for i, p := range f.Participants {
		if p == entityID {
			f.Participants = append(f.Participants[:i], f.Participants[i+1:]...)
			return
		}
	}
}

// PopParticipant removes and returns the most recently added participant.
func (f *FlowState) PopParticipant() (string, bool) {
	if len(f.Participants) == 0 {
		return "", false
	}
	last := f.Participants[len(f.Participants)-1]
	f.Participants = f.Participants[:len(f.Participants)-1]
	return last, true
}

// HasParticipants reports whether any service provider still holds a
// session to propagate logout to.
func (f *FlowState) HasParticipants() bool {
	return len(f.Participants) > 0
}
