package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/insurepro/apiserver/types"
)

var templates = template.Must(template.New("notify").Parse(`
{{- define "approved" -}}
Dear {{.CustomerName}},

Your claim {{.ClaimNumber}} has been approved.
Settlement amount: {{.Amount.StringFixed 2}}

The amount will be processed within a few business days.
{{- end}}

{{- define "rejected" -}}
Dear {{.CustomerName}},

Your claim {{.ClaimNumber}} has been rejected.
Claimed amount: {{.Amount.StringFixed 2}}
Reason: {{.RejectionReason}}

Contact support if you have questions about this decision.
{{- end}}

{{- define "reset" -}}
Your password reset code is {{.Code}}.
It expires at {{.ExpiresAt.Format "2006-01-02 15:04 MST"}}.
{{- end}}
`))

// RenderDecision builds the customer message for a claim decision.
func RenderDecision(event types.ClaimDecidedEvent) (Email, error) {
	var name, subject string
	switch event.Decision {
	case types.DecisionApprove:
		name = "approved"
		subject = "Insurance Claim Approved - " + event.ClaimNumber
	case types.DecisionReject:
		name = "rejected"
		subject = "Insurance Claim Rejected - " + event.ClaimNumber
	default:
		return Email{}, fmt.Errorf("unknown decision %q", event.Decision)
	}
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, name, event); err != nil {
		return Email{}, fmt.Errorf("render %s message: %w", name, err)
	}
	return Email{To: event.CustomerEmail, Subject: subject, Body: body.String()}, nil
}

// RenderReset builds the password reset message.
func RenderReset(event types.PasswordResetEvent) (Email, error) {
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, "reset", event); err != nil {
		return Email{}, fmt.Errorf("render reset message: %w", err)
	}
	return Email{To: event.Email, Subject: "Password Reset Code", Body: body.String()}, nil
}
