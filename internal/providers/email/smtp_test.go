package email

import (
	"context"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendTemplateRendersDigest(t *testing.T) {
	var gotAddr string
	var gotTo []string
	var gotMsg string

	p := NewSMTP(Config{Host: "mail.local", Port: 2525, From: "recon@example.com"})
	p.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	err := p.SendTemplate(context.Background(), []string{"ops@example.com"}, "flex_digest", map[string]any{
		"digest_date":     "2026-10-15",
		"open_count":      3,
		"overdue_count":   1,
		"min_age_days":    3,
		"total_open":      7,
		"unassigned_open": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Flex review digest")
	assert.Contains(t, gotMsg, "<strong>3</strong>")
}

func TestSendRequiresRecipients(t *testing.T) {
	p := NewSMTP(Config{Host: "mail.local", Port: 25})
	assert.ErrorIs(t, p.Send(context.Background(), nil, "s", "b"), ErrNoRecipients)
}
