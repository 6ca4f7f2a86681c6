package provider

import (
	"fmt"
	"strings"
	"text/template"

	"dispatchd/internal/store"
)

// Template renders a job's subject/body against one recipient.
//
// Available fields: {{.ID}}, {{.Label}}, {{.Email}}, {{.ChatID}}, and
// per-recipient variables via {{.Vars.key}}. Missing keys render as an
// error so typos surface at creation time instead of as garbled sends.
type Template struct {
	subject *template.Template
	body    *template.Template
}

type templateData struct {
	ID     string
	Label  string
	Email  string
	ChatID int64
	Vars   map[string]string
}

// NewTemplate parses subject and body. An empty subject is allowed (chat
// messages have none).
func NewTemplate(subject, body string) (*Template, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("message body required")
	}
	bt, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	t := &Template{body: bt}
	if subject != "" {
		st, err := template.New("subject").Option("missingkey=error").Parse(subject)
		if err != nil {
			return nil, fmt.Errorf("parse subject template: %w", err)
		}
		t.subject = st
	}
	return t, nil
}

// Render substitutes one recipient into the templates.
func (t *Template) Render(r store.JobRecipient) (subject, body string, err error) {
	data := templateData{
		ID:     r.RecipientID,
		Label:  r.Label,
		Email:  r.Email,
		ChatID: r.ChatID,
		Vars:   r.Vars,
	}
	var b strings.Builder
	if err := t.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	body = b.String()
	if t.subject != nil {
		var sb strings.Builder
		if err := t.subject.Execute(&sb, data); err != nil {
			return "", "", fmt.Errorf("render subject: %w", err)
		}
		subject = sb.String()
	}
	return subject, body, nil
}
