package http

import (
	"html/template"
	"log/slog"
	"net/http"
)

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_head"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 26rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a1a; }
form { display: flex; flex-direction: column; gap: .75rem; }
input[type=email], input[type=password] { padding: .5rem; font-size: 1rem; }
button { padding: .6rem; font-size: 1rem; cursor: pointer; }
.error { color: #b00020; }
.scopes { padding-left: 1.2rem; }
.actions { display: flex; gap: .75rem; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}{{end}}

{{define "login"}}{{template "layout_head" .}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<label>Email <input type="email" name="email" required autofocus></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign in</button>
</form>
<p><a href="{{.ResetPath}}">Forgot your password?</a></p>
</body></html>{{end}}

{{define "consent"}}{{template "layout_head" .}}
<p><strong>{{.ClientName}}</strong> is requesting access to:</p>
<ul class="scopes">{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<form method="post" action="{{.Action}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<div class="actions">
<button type="submit" name="decision" value="approve">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</div>
</form>
</body></html>{{end}}

{{define "reset_request"}}{{template "layout_head" .}}
<form method="post" action="{{.Action}}">
<label>Email <input type="email" name="email" required autofocus></label>
<button type="submit">Send reset link</button>
</form>
</body></html>{{end}}

{{define "reset_sent"}}{{template "layout_head" .}}
<p>If that address belongs to an account, a reset link is on its way.</p>
</body></html>{{end}}

{{define "reset_confirm"}}{{template "layout_head" .}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="token" value="{{.Token}}">
<label>New password <input type="password" name="password" required autofocus></label>
<button type="submit">Set password</button>
</form>
</body></html>{{end}}

{{define "reset_done"}}{{template "layout_head" .}}
<p>Your password has been updated. You can close this page and sign in again.</p>
</body></html>{{end}}

{{define "logged_in"}}{{template "layout_head" .}}
<p>You are signed in.</p>
</body></html>{{end}}
`))

func renderPage(w http.ResponseWriter, logger *slog.Logger, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		logger.Error("failed to render page", "template", name, "error", err)
	}
}
