package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

const (
	subjectActivation          = "Verify Your Account - VeriFace"
	subjectLoginAlert          = "Login Alert - VeriFace"
	subjectFaceUpdate          = "Face Update Verification - VeriFace"
	subjectDeletion            = "Account Deletion Verification - VeriFace"
	subjectDeletionConfirmed   = "Account Successfully Deleted - VeriFace"
	timestampTemplateLayout    = "January 2, 2006 at 3:04 PM MST"
)

type codeMailData struct {
	Name       string
	Code       string
	TTLMinutes int
}

type alertMailData struct {
	Name       string
	LoginTime  string
	Similarity string
	SourceIP   string
}

type goodbyeMailData struct {
	Name string
}

var (
	codeHTML = htmltemplate.Must(htmltemplate.New("code").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>Your verification code is:</p>
<h2 style="letter-spacing:4px">{{.Code}}</h2>
<p>This code expires in {{.TTLMinutes}} minutes. If you did not request it, you can ignore this email.</p>
</body></html>`))

	codeText = texttemplate.Must(texttemplate.New("code").Parse(`Hello {{.Name}},

Your verification code is: {{.Code}}

This code expires in {{.TTLMinutes}} minutes. If you did not request it, you can ignore this email.
`))

	alertHTML = htmltemplate.Must(htmltemplate.New("alert").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>A successful login to your account was recorded:</p>
<ul>
<li>Time: {{.LoginTime}}</li>
<li>Face match confidence: {{.Similarity}}</li>
<li>Source address: {{.SourceIP}}</li>
</ul>
<p>If this was not you, secure your account immediately.</p>
</body></html>`))

	alertText = texttemplate.Must(texttemplate.New("alert").Parse(`Hello {{.Name}},

A successful login to your account was recorded.

Time: {{.LoginTime}}
Face match confidence: {{.Similarity}}
Source address: {{.SourceIP}}

If this was not you, secure your account immediately.
`))

	goodbyeHTML = htmltemplate.Must(htmltemplate.New("goodbye").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>Your account and all associated data have been permanently deleted.</p>
<p>We are sorry to see you go.</p>
</body></html>`))

	goodbyeText = texttemplate.Must(texttemplate.New("goodbye").Parse(`Hello {{.Name}},

Your account and all associated data have been permanently deleted.

We are sorry to see you go.
`))
)

func renderCodeMail(to, subject, name, code string, ttl time.Duration) (Message, error) {
	data := codeMailData{Name: name, Code: code, TTLMinutes: int(ttl.Minutes())}
	htmlBody, err := renderHTML(codeHTML, data)
	if err != nil {
		return Message{}, err
	}
	textBody, err := renderText(codeText, data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, HTMLBody: htmlBody, TextBody: textBody}, nil
}

// ActivationMail renders the account-activation code message.
func ActivationMail(to, name, code string, ttl time.Duration) (Message, error) {
	return renderCodeMail(to, subjectActivation, name, code, ttl)
}

// FaceUpdateMail renders the face re-enrollment code message.
func FaceUpdateMail(to, name, code string, ttl time.Duration) (Message, error) {
	return renderCodeMail(to, subjectFaceUpdate, name, code, ttl)
}

// DeletionMail renders the account-deletion code message.
func DeletionMail(to, name, code string, ttl time.Duration) (Message, error) {
	return renderCodeMail(to, subjectDeletion, name, code, ttl)
}

// LoginAlertMail renders the successful-login notice with the match score.
func LoginAlertMail(to, name string, at time.Time, similarity float64, sourceIP string) (Message, error) {
	data := alertMailData{
		Name:       name,
		LoginTime:  at.Format(timestampTemplateLayout),
		Similarity: fmt.Sprintf("%.1f%%", similarity*100),
		SourceIP:   sourceIP,
	}
	htmlBody, err := renderHTML(alertHTML, data)
	if err != nil {
		return Message{}, err
	}
	textBody, err := renderText(alertText, data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subjectLoginAlert, HTMLBody: htmlBody, TextBody: textBody}, nil
}

// DeletionConfirmedMail renders the goodbye notice sent after a hard delete.
func DeletionConfirmedMail(to, name string) (Message, error) {
	data := goodbyeMailData{Name: name}
	htmlBody, err := renderHTML(goodbyeHTML, data)
	if err != nil {
		return Message{}, err
	}
	textBody, err := renderText(goodbyeText, data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subjectDeletionConfirmed, HTMLBody: htmlBody, TextBody: textBody}, nil
}

func renderHTML(tmpl *htmltemplate.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mail: rendering html body: %w", err)
	}
	return buf.String(), nil
}

func renderText(tmpl *texttemplate.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mail: rendering text body: %w", err)
	}
	return buf.String(), nil
}
