package perpsweep

import (
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/engine"
)

// Option is a functional option for configuring a Bot instance
type Option func(*Bot)

// WithJournal overrides the journal the config would pick, e.g. an
// in-memory journal for tests
func WithJournal(jrn core.Journal) Option {
	return func(bot *Bot) {
		bot.journal = jrn
	}
}

// WithNotifier registers an extra notification channel besides the
// config-driven telegram and mail ones
func WithNotifier(notifier core.Notifier) Option {
	return func(bot *Bot) {
		bot.notifiers = append(bot.notifiers, notifier)
	}
}

// WithSignaler replaces the strategy registry as the signal source
func WithSignaler(signaler engine.Signaler) Option {
	return func(bot *Bot) {
		bot.signaler = signaler
	}
}
