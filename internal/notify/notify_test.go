package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return tgbotapi.Message{}, args.Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTelegramSkipsSuccessfulAcks(t *testing.T) {
	s := new(mockSender)
	tg := NewTelegramWithSender(s, 42)

	require.NoError(t, tg.CommandAcked(context.Background(), AckEvent{CommandID: "c1", OK: true, Status: "done"}))
	s.AssertNotCalled(t, "Send", mock.Anything)
}

func TestTelegramAlertsOnError(t *testing.T) {
	s := new(mockSender)
	s.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 42 &&
			assert.Contains(t, msg.Text, "command c1 HELD by edge-1") &&
			assert.Contains(t, msg.Text, "insufficient funds")
	})).Return(nil).Once()

	tg := NewTelegramWithSender(s, 42)
	err := tg.CommandAcked(context.Background(), AckEvent{CommandID: "c1", AgentID: "edge-1", Status: "held", Message: "insufficient funds", Transitioned: true})
	require.NoError(t, err)
	s.AssertExpectations(t)
}

func TestTelegramReapSkipsEmptySweeps(t *testing.T) {
	s := new(mockSender)
	tg := NewTelegramWithSender(s, 1)
	require.NoError(t, tg.LeasesReaped(context.Background(), ReapEvent{}))

	s.On("Send", mock.Anything).Return(errors.New("boom")).Once()
	err := tg.LeasesReaped(context.Background(), ReapEvent{Count: 3})
	require.Error(t, err)
	s.AssertExpectations(t)
}

func TestAMQPPublishesJSON(t *testing.T) {
	p := new(mockPublisher)
	p.On("Publish", "outbox.events", "edge.acked", false, false, mock.MatchedBy(func(msg amqp.Publishing) bool {
		var ev AckEvent
		return json.Unmarshal(msg.Body, &ev) == nil &&
			ev.CommandID == "c1" && ev.OK &&
			msg.ContentType == "application/json" &&
			msg.Headers["event"] == "acked"
	})).Return(nil).Once()

	a := NewAMQP(p, "outbox.events", "edge")
	require.NoError(t, a.CommandAcked(context.Background(), AckEvent{CommandID: "c1", OK: true, Status: "done", At: at}))
	require.NoError(t, a.LeasesReaped(context.Background(), ReapEvent{}))
	require.NoError(t, a.Close())
	p.AssertExpectations(t)
}

type failing struct{ Nop }

func (failing) CommandAcked(context.Context, AckEvent) error { return errors.New("down") }

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	p := new(mockPublisher)
	p.On("Publish", "x", "outbox.acked", false, false, mock.Anything).Return(nil).Once()

	m := NewMulti(nil).Add("broken", failing{}).Add("amqp", NewAMQP(p, "x", "")).Add("nil", nil)
	assert.Equal(t, 2, m.Len())

	err := m.CommandAcked(context.Background(), AckEvent{CommandID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	p.AssertExpectations(t)

	assert.NoError(t, m.LeasesReaped(context.Background(), ReapEvent{Count: 0}))
}
