// Package perpsweep wires the trading engine together: venue access,
// universe screening, strategy evaluation, risk sizing, order routing,
// position management and the notification channels.
package perpsweep

import (
	"context"
	"fmt"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/engine"
	"github.com/driftline/perpsweep/journal"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/notification"
	"github.com/driftline/perpsweep/order"
	"github.com/driftline/perpsweep/position"
	"github.com/driftline/perpsweep/risk"
	"github.com/driftline/perpsweep/strategy"
	"github.com/driftline/perpsweep/universe"
)

// Bot owns the wired engine and its supporting services
type Bot struct {
	cfg      *config.Config
	exchange core.Exchange
	log      logger.Logger

	journal  core.Journal
	feed     *journal.Feed
	universe *universe.Service
	registry *strategy.Registry
	sizer    *risk.Engine
	router   *order.Router
	manager  *position.Manager
	engine   *engine.Engine

	signaler  engine.Signaler
	notifiers notifiers
	telegram  core.NotifierWithStart
}

// New wires a bot from config. The exchange decides live against
// simulated: pass a binance futures client or an exchange.Paper.
func New(cfg *config.Config, exch core.Exchange, log logger.Logger, options ...Option) (*Bot, error) {
	bot := &Bot{
		cfg:      cfg,
		exchange: exch,
		log:      log,
		feed:     journal.NewFeed(),
	}

	for _, option := range options {
		option(bot)
	}

	if bot.journal == nil {
		jrn, err := journal.Open(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		bot.journal = jrn
	}

	bot.universe = universe.NewService(exch, cfg, log)
	bot.registry = strategy.NewRegistry(cfg, log)
	bot.sizer = risk.NewEngine(cfg, log)
	bot.router = order.NewRouter(exch, cfg, log)
	bot.manager = position.NewManager(exch, bot.router, bot.universe, bot.journal, bot.feed, cfg, log)

	if bot.signaler == nil {
		bot.signaler = bot.registry
	}
	bot.engine = engine.New(exch, bot.universe, bot.signaler, bot.sizer, bot.manager, bot.journal, cfg, log)

	if err := bot.wireNotifiers(); err != nil {
		return nil, err
	}

	return bot, nil
}

// wireNotifiers builds the configured channels and fans lifecycle
// events out to them
func (b *Bot) wireNotifiers() error {
	if b.cfg.Telegram.Enabled {
		telegram, err := notification.NewTelegram(b.cfg, b.engine, b.manager, b.exchange, b.journal, b.log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		b.telegram = telegram
		b.notifiers = append(b.notifiers, telegram)
	}

	if b.cfg.Mail.Enabled {
		b.notifiers = append(b.notifiers, notification.NewMail(b.cfg.Mail))
	}

	if len(b.notifiers) == 0 {
		return nil
	}

	b.manager.SetNotifier(b.notifiers)
	b.engine.SetNotifier(b.notifiers)
	b.feed.Subscribe(b.notifiers.OnEvent)
	return nil
}

// Run starts the event dispatcher, the chat surface and the engine
// loops, blocking until ctx is canceled
func (b *Bot) Run(ctx context.Context) error {
	defer func() {
		b.feed.Stop()
		if err := b.journal.Close(); err != nil {
			b.log.WithError(err).Warn("journal close failed")
		}
	}()

	b.feed.Start()
	if b.telegram != nil {
		b.telegram.Start()
	}

	return b.engine.Run(ctx)
}

// Engine returns the scan and monitor scheduler
func (b *Bot) Engine() *engine.Engine {
	return b.engine
}

// Manager returns the position manager
func (b *Bot) Manager() *position.Manager {
	return b.manager
}

// Journal returns the event journal
func (b *Bot) Journal() core.Journal {
	return b.journal
}

// notifiers fans one notification out to every configured channel
type notifiers []core.Notifier

func (n notifiers) Notify(text string) {
	for _, notifier := range n {
		notifier.Notify(text)
	}
}

func (n notifiers) OnEvent(event core.Event) {
	for _, notifier := range n {
		notifier.OnEvent(event)
	}
}

func (n notifiers) OnError(err error) {
	for _, notifier := range n {
		notifier.OnError(err)
	}
}
