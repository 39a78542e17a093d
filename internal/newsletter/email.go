package newsletter

import (
	"fmt"

	"github.com/resendlabs/resend-go"
)

const welcomeSubject = "You're on the 4SIGHT list"

const welcomeHTML = `<div style="font-family: sans-serif; max-width: 560px; margin: 0 auto;">
  <h1 style="font-size: 22px;">Thanks for signing up</h1>
  <p>You'll be the first to hear about the 4SIGHT release, pre-order windows, and bonus material.</p>
  <p style="color: #888; font-size: 12px;">If this wasn't you, ignore this email and you won't hear from us again.</p>
</div>`

// ResendMailer delivers newsletter email through the Resend API.
type ResendMailer struct {
	client    *resend.Client
	fromEmail string
	fromName  string
}

// NewResendMailer constructs a mailer for the given API key and sender.
func NewResendMailer(apiKey, fromEmail, fromName string) (*ResendMailer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("newsletter: resend api key is required")
	}
	if fromEmail == "" {
		fromEmail = "noreply@4sightbook.com"
	}
	if fromName == "" {
		fromName = "4SIGHT"
	}
	return &ResendMailer{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}, nil
}

// SendWelcome sends the signup confirmation email.
func (m *ResendMailer) SendWelcome(email string) error {
	request := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", m.fromName, m.fromEmail),
		To:      []string{email},
		Subject: welcomeSubject,
		Html:    welcomeHTML,
	}
	if _, err := m.client.Emails.Send(request); err != nil {
		return fmt.Errorf("newsletter: sending welcome email: %w", err)
	}
	return nil
}
