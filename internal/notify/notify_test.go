package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	boom bool
}

func (s *recordingSink) Send(_ context.Context, msg Message) error {
	if s.boom {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func TestDispatcher_DeliversMessage(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, zap.NewNop())

	d.Notify(Message{Subject: "Approved", Recipient: "a@uni.edu", Body: "ok"})
	d.Wait()

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "Approved", sink.msgs[0].Subject)
}

func TestDispatcher_SwallowsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{err: errors.New("smtp down")}
	d := NewDispatcher(sink, zap.New(core))

	d.Notify(Message{Subject: "Receipt", Recipient: "a@uni.edu"})
	d.Wait()

	assert.Equal(t, 1, logs.FilterMessage("notification delivery failed").Len())
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	d := NewDispatcher(&recordingSink{boom: true}, zap.New(core))

	d.Notify(Message{Subject: "Returned"})
	d.Wait()

	assert.Equal(t, 1, logs.FilterMessage("notification sink panicked").Len())
}

func TestSMTPSink_BuildsMessage(t *testing.T) {
	var (
		gotTo   []string
		gotBody string
	)
	s := NewSMTPSink("mail:25", "library@uni.edu", nil)
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail:25", addr)
		assert.Equal(t, "library@uni.edu", from)
		gotTo = to
		gotBody = string(msg)
		return nil
	}

	err := s.Send(context.Background(), Message{Subject: "Fine receipt", Recipient: "st@uni.edu", Body: "paid 60.00"})
	require.NoError(t, err)

	assert.Equal(t, []string{"st@uni.edu"}, gotTo)
	assert.True(t, strings.Contains(gotBody, "Subject: Fine receipt\r\n"))
	assert.True(t, strings.HasSuffix(gotBody, "paid 60.00"))

	assert.Error(t, s.Send(context.Background(), Message{Subject: "x"}))
}
