package binding

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
)

// PostFormData is what a FormRenderer needs to produce the self-submitting
// POST page.
type PostFormData struct {
	Destination string
	ParamName   string
	Payload     string
	RelayState  string
}

// FormRenderer renders the page that delivers a POST-bound message to the
// peer. The host application may supply its own themed implementation.
type FormRenderer interface {
	RenderPostForm(data PostFormData) ([]byte, error)
}

var postFormTemplate = template.Must(template.New("postform").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Redirecting...</title></head>
<body onload="document.forms[0].submit()">
<noscript><p>JavaScript is disabled. Click Continue to proceed.</p></noscript>
<form method="post" action="{{.Destination}}">
<input type="hidden" name="{{.ParamName}}" value="{{.Payload}}">
{{if .RelayState}}<input type="hidden" name="RelayState" value="{{.RelayState}}">
{{end}}<noscript><input type="submit" value="Continue"></noscript>
</form>
</body>
</html>
`))

// TemplateRenderer is the default FormRenderer.
type TemplateRenderer struct{}

func (TemplateRenderer) RenderPostForm(data PostFormData) ([]byte, error) {
	var buf bytes.Buffer
	if err := postFormTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render post form: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePost renders the POST binding page for an outbound message. Message
// signing for this binding is the embedded XML signature, applied before
// encoding, so the codec itself is signature-agnostic.
func EncodePost(out *Outbound, renderer FormRenderer) ([]byte, error) {
	return renderer.RenderPostForm(PostFormData{
		Destination: out.Destination,
		ParamName:   out.Kind.Parameter(),
		Payload:     base64.StdEncoding.EncodeToString(out.XML),
		RelayState:  out.RelayState,
	})
}
