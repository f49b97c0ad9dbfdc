package smtp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail/mailcore/internal/testutil"
)

func TestSender_Send(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	t.Cleanup(server.Close)

	raw, envelope, err := BuildMessage(context.Background(), outgoing(), nil, time.Now())
	require.NoError(t, err)

	sender := NewSender(nil)
	endpoint := Endpoint{Addr: server.Address, Insecure: true}
	auth := sasl.NewPlainClient("", server.Username(), server.Password())

	require.NoError(t, sender.Send(context.Background(), endpoint, auth, envelope, raw))

	messages := server.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, server.Username(), messages[0].Username)
	assert.Equal(t, "me@example.com", messages[0].From)
	assert.Equal(t, []string{"ann@example.com", "cc@example.com", "hidden@example.com"}, messages[0].To)
	assert.Contains(t, string(messages[0].Data), "Subject: Hello")
}

func TestSender_Errors(t *testing.T) {
	sender := NewSender(nil)

	t.Run("no recipients", func(t *testing.T) {
		err := sender.Send(context.Background(), Endpoint{Addr: "127.0.0.1:1", Insecure: true}, nil, &Envelope{From: "a@b.c"}, nil)
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		err := sender.Send(context.Background(), Endpoint{Addr: "127.0.0.1:1", Insecure: true}, nil, &Envelope{From: "a@b.c", Recipients: []string{"x@y.z"}}, []byte("x"))
		assert.Error(t, err)
	})
}

func TestClassify(t *testing.T) {
	limited := classify(&smtp.SMTPError{Code: 421, Message: "try later"})
	assert.ErrorIs(t, limited, ErrRateLimited)

	rejected := classify(&smtp.SMTPError{Code: 550, Message: "no such user"})
	assert.NotErrorIs(t, rejected, ErrRateLimited)

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}
