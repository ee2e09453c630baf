package notify

import (
	"errors"
	"log/slog"

	"command-outbox/internal/config"
)

// FromConfig builds the configured side channels. The returned close func
// releases broker connections; it is safe to call when nothing was dialed.
func FromConfig(cfg config.Config, logger *slog.Logger) (*Multi, func() error, error) {
	m := NewMulti(logger)
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	if cfg.TelegramToken != "" {
		tg, err := NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, closeAll, err
		}
		m.Add("telegram", tg)
	}
	if cfg.AMQPURL != "" {
		pub, err := DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, pub.Close)
		m.Add("amqp", pub)
	}
	return m, closeAll, nil
}
