package mailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coach-planner/internal/config"
)

func TestBuildMsg(t *testing.T) {
	msg, err := buildMsg("noreply@coach.example", Message{To: "coach@example.com", Subject: "Your code", Body: "123456"})
	require.NoError(t, err)

	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"coach@example.com"}, rcpts)
}

func TestBuildMsgValidation(t *testing.T) {
	_, err := buildMsg("noreply@coach.example", Message{})
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = buildMsg("not an address", Message{To: "coach@example.com"})
	assert.Error(t, err)

	_, err = buildMsg("noreply@coach.example", Message{To: "broken@@"})
	assert.Error(t, err)
}

func TestNewSMTP(t *testing.T) {
	s, err := NewSMTP(config.EmailConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", UseTLS: true, From: "noreply@coach.example"})
	require.NoError(t, err)
	assert.Equal(t, "noreply@coach.example", s.from)

	_, err = NewSMTP(config.EmailConfig{Port: 587})
	assert.Error(t, err, "empty host must be rejected")
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), Message{To: "a@b.c"}))
	assert.ErrorIs(t, LogSender{}.Send(context.Background(), Message{}), ErrNoRecipient)
}
