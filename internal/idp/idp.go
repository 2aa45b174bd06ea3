// Package idp sequences the SSO and SLO exchanges of the hosted identity
// provider over the state machine, bindings, signature policy and builders.
package idp

import (
	"hash/fnv"
	"log/slog"
	"net/http"
	"sync"

	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"

	"github.com/kagerou/idpd/internal/binding"
	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/samlerr"
	"github.com/kagerou/idpd/internal/state"
	"github.com/kagerou/idpd/internal/xmlsig"
)

// FlowCookieName correlates a browser with its flow state.
const FlowCookieName = "idpd_flow"

// Subject is an authenticated principal.
type Subject interface {
	// NameID renders the subject identifier in the given format.
	NameID(format string) string
	// Attributes returns the attribute statement content.
	Attributes() map[string][]string
}

// SubjectSource reports the browser's authenticated subject, nil when the
// browser holds no local session.
type SubjectSource interface {
	Current(r *http.Request) Subject
}

// Authenticator challenges an unauthenticated browser. A handled result
// means a challenge was rendered and the flow is suspended until the
// continuation endpoint; the login handler reports the outcome through
// Processor.CompleteAuthentication.
type Authenticator interface {
	StartAuthentication(w http.ResponseWriter, r *http.Request, flowID string) (handled bool, err error)
}

// SessionTerminator tears down the local session during logout dispatch. A
// handled result suspends the flow until the logout continuation endpoint.
type SessionTerminator interface {
	TerminateSession(w http.ResponseWriter, r *http.Request, flowID string) (handled bool, err error)
}

// ProcessorConfig wires a Processor's collaborators. Renderer, Clock and
// Logger are optional.
type ProcessorConfig struct {
	IdentityProvider  *entity.IdentityProvider
	ServiceProviders  entity.Directory
	Store             state.Store
	Subjects          SubjectSource
	Authenticator     Authenticator
	SessionTerminator SessionTerminator
	Renderer          binding.FormRenderer
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

// Processor drives the protocol exchanges.
type Processor struct {
	idp        *entity.IdentityProvider
	sps        entity.Directory
	store      state.Store
	subjects   SubjectSource
	auth       Authenticator
	terminator SessionTerminator
	renderer   binding.FormRenderer
	signer     *xmlsig.Signer
	clock      clockwork.Clock
	log        *slog.Logger

	// flowLocks serializes requests racing on the same flow.
	flowLocks [64]sync.Mutex
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		idp:        cfg.IdentityProvider,
		sps:        cfg.ServiceProviders,
		store:      cfg.Store,
		subjects:   cfg.Subjects,
		auth:       cfg.Authenticator,
		terminator: cfg.SessionTerminator,
		renderer:   cfg.Renderer,
		signer:     xmlsig.NewSigner(cfg.IdentityProvider.KeyPair),
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
	if p.renderer == nil {
		p.renderer = binding.TemplateRenderer{}
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Processor) lockFlow(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &p.flowLocks[h.Sum32()%uint32(len(p.flowLocks))]
	mu.Lock()
	return mu.Unlock
}

// withFlow loads (or creates) the browser's flow, runs fn under the flow
// lock, and persists the result. Errors fn did not turn into a SAML-level
// response are mapped to HTTP statuses.
func (p *Processor) withFlow(w http.ResponseWriter, r *http.Request, fn func(f *state.FlowState) error) {
	var cookieID string
	if c, err := r.Cookie(FlowCookieName); err == nil {
		cookieID = c.Value
	}

	var f *state.FlowState
	if cookieID == "" {
		f = state.New()
		cookieID = f.ID
	}
	unlock := p.lockFlow(cookieID)
	defer unlock()

	if f == nil {
		stored, err := p.store.Get(cookieID)
		if err != nil {
			p.writeError(w, err)
			return
		}
		f = stored
	}
	if f == nil {
		// Cookie without a stored flow, start over.
		f = state.New()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName,
		Value:    f.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	err := fn(f)
	if serr := p.store.Put(f); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		p.writeError(w, err)
	}
}

func (p *Processor) writeError(w http.ResponseWriter, err error) {
	kind := samlerr.KindOf(err)
	p.log.Error("request failed", "kind", kind.String(), "error", err)
	switch kind {
	case samlerr.KindProtocol, samlerr.KindUnsupported:
		http.Error(w, "invalid SAML request", http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// send delivers an outbound message over the named binding. key is used for
// redirect query signing only; POST messages carry any signature inside
// their XML already.
func (p *Processor) send(w http.ResponseWriter, out *binding.Outbound, bindingURN string, signRedirect bool) error {
	switch bindingURN {
	case saml.HTTPRedirectBinding:
		key := p.idp.KeyPair.Key
		if !signRedirect {
			key = nil
		}
		location, err := binding.EncodeRedirect(out, key)
		if err != nil {
			return err
		}
		w.Header().Set("Location", location)
		w.WriteHeader(http.StatusFound)
		return nil
	case saml.HTTPPostBinding:
		page, err := binding.EncodePost(out, p.renderer)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
		return nil
	default:
		return samlerr.Unsupported("no encoder for binding " + bindingURN)
	}
}

// CompleteAuthentication records the outcome of a login challenge started
// by the Authenticator. On failure the flow stays open for another attempt
// until the SP's retry budget is spent; retry reports whether the login
// handler should challenge again instead of continuing the flow.
func (p *Processor) CompleteAuthentication(flowID string, success bool) (retry bool, err error) {
	unlock := p.lockFlow(flowID)
	defer unlock()

	f, err := p.store.Get(flowID)
	if err != nil {
		return false, err
	}
	if f == nil {
		return false, samlerr.State("no flow for authentication outcome")
	}

	trigger := state.TriggerSSOAuthenticateSuccess
	if !success {
		f.LoginRetries++
		// A zero retry limit means unlimited attempts.
		if max := p.maxLoginRetries(f); max == 0 || f.LoginRetries < max {
			return true, p.store.Put(f)
		}
		trigger = state.TriggerSSOAuthenticateFail
	}
	if err := f.Apply(trigger); err != nil {
		return false, err
	}
	return false, p.store.Put(f)
}

func (p *Processor) maxLoginRetries(f *state.FlowState) int {
	req, err := f.PendingAuthnRequest()
	if err != nil || req.Issuer == nil {
		return 1
	}
	sp, err := p.sps.ServiceProvider(req.Issuer.Value)
	if err != nil {
		return 1
	}
	return sp.MaxRetryLogin
}
