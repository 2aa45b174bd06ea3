package main

import (
	"context"
	"flag"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kagerou/idpd/internal/config"
	"github.com/kagerou/idpd/internal/entity"
	"github.com/kagerou/idpd/internal/idp"
	"github.com/kagerou/idpd/internal/session"
	"github.com/kagerou/idpd/internal/state"
)

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	if *configPath == "" {
		slog.Error("-config flag is required")
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	idpEntity, err := entity.NewIdentityProvider(&cfg.IdP)
	if err != nil {
		slog.Error("Failed to initialize identity provider", "error", err)
		os.Exit(1)
	}
	directory, err := entity.NewStaticDirectory(cfg.SPs)
	if err != nil {
		slog.Error("Failed to load service providers", "error", err)
		os.Exit(1)
	}
	sessions := session.NewManager(idpEntity.KeyPair, idpEntity.SessionValidity, slog.Default())

	app := &application{sessions: sessions}
	processor := idp.NewProcessor(idp.ProcessorConfig{
		IdentityProvider:  idpEntity,
		ServiceProviders:  directory,
		Store:             state.NewMemoryStore(),
		Subjects:          sessions,
		Authenticator:     app,
		SessionTerminator: app,
		Logger:            slog.Default(),
	})
	app.processor = processor

	mux := http.NewServeMux()
	mux.HandleFunc("/sso", processor.ServeSSO)
	mux.HandleFunc("/sso/continue", processor.ServeSSOContinue)
	mux.HandleFunc("/slo", processor.ServeSLO)
	mux.HandleFunc("/slo/init", processor.ServeSLOInit)
	mux.HandleFunc("/slo/continue", processor.ServeSLOContinue)
	mux.HandleFunc("/metadata", processor.ServeMetadata)
	mux.HandleFunc("/login", app.handleLogin)
	mux.HandleFunc("/logout", app.handleLogout)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Listening", "addr", cfg.ListenAddr, "entity_id", idpEntity.EntityID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-shutdown
	slog.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p style="color:red">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="flow" value="{{.Flow}}">
<label>Username <input type="text" name="username" autofocus></label><br>
<label>Password <input type="password" name="password"></label><br>
<input type="submit" value="Sign in">
</form>
</body>
</html>
`))

// application implements the processor's Authenticator and SessionTerminator
// with a demo login page and the JWT session cookie.
type application struct {
	sessions  *session.Manager
	processor *idp.Processor
}

// StartAuthentication sends the browser to the login page.
func (a *application) StartAuthentication(w http.ResponseWriter, r *http.Request, flowID string) (bool, error) {
	http.Redirect(w, r, "/login?flow="+flowID, http.StatusFound)
	return true, nil
}

// TerminateSession drops the session cookie synchronously.
func (a *application) TerminateSession(w http.ResponseWriter, r *http.Request, flowID string) (bool, error) {
	a.sessions.Clear(w)
	return false, nil
}

func (a *application) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.renderLogin(w, r.URL.Query().Get("flow"), "")
	case http.MethodPost:
		a.submitLogin(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *application) renderLogin(w http.ResponseWriter, flowID, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Flow  string
		Error string
	}{Flow: flowID, Error: errMsg}
	if err := loginTemplate.Execute(w, data); err != nil {
		slog.Error("Failed to render login page", "error", err)
	}
}

func (a *application) submitLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	flowID := r.PostFormValue("flow")
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if flowID == "" {
		http.Error(w, "no login in progress", http.StatusBadRequest)
		return
	}

	// Demo credential oracle: any username whose password matches it.
	success := username != "" && password == username
	if success {
		attrs := map[string][]string{
			"uid":  {username},
			"mail": {username + "@example.com"},
		}
		if err := a.sessions.Issue(w, username, attrs); err != nil {
			slog.Error("Failed to issue session", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	retry, err := a.processor.CompleteAuthentication(flowID, success)
	if err != nil {
		slog.Error("Failed to record login outcome", "flow", flowID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if retry {
		a.renderLogin(w, flowID, "Sign in failed, try again.")
		return
	}
	http.Redirect(w, r, "/sso/continue", http.StatusFound)
}

func (a *application) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.sessions.Clear(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><body><p>You have been logged out of this device. ")
	fmt.Fprint(w, `<a href="/slo/init">Log out of all applications</a></p></body></html>`)
}
