// Package notification delivers lifecycle events and operator commands
// over telegram, with an SMTP channel for exposure alarms.
package notification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
	"github.com/driftline/perpsweep/exchange"
	"github.com/driftline/perpsweep/logger"
	"github.com/driftline/perpsweep/metric"
	tb "gopkg.in/tucnak/telebot.v2"
)

const (
	pollingTimeout = 10 * time.Second
)

var closeRegexp = regexp.MustCompile(`/close\s+(\w+)`)

// Controls is the scheduler surface chat commands drive. Pausing gates
// entries only; exits keep running.
type Controls interface {
	Pause()
	Resume()
	Paused() bool
}

// Book is the live position surface chat commands read and flatten.
type Book interface {
	Positions() []*core.Position
	Close(ctx context.Context, pair string, reason core.CloseReason) error
}

// Telegram is the chat surface: it notifies lifecycle events and
// serves operator commands against the running engine
type Telegram struct {
	cfg         *config.Config
	controls    Controls
	book        Book
	broker      core.Broker
	journal     core.Journal
	defaultMenu *tb.ReplyMarkup
	client      *tb.Bot
	log         logger.Logger
}

// Option adjusts a Telegram channel before it starts
type Option func(telegram *Telegram)

// NewTelegram connects the chat channel and registers its commands
func NewTelegram(
	cfg *config.Config,
	controls Controls,
	book Book,
	broker core.Broker,
	journal core.Journal,
	log logger.Logger,
	options ...Option,
) (core.NotifierWithStart, error) {
	poller := &tb.LongPoller{Timeout: pollingTimeout}

	client, err := newBotClient(cfg.Telegram.Token, newAuthMiddleware(poller, cfg.Telegram.Users, log))
	if err != nil {
		return nil, err
	}

	if err := publishCommandList(client); err != nil {
		return nil, fmt.Errorf("telegram commands: %w", err)
	}

	telegram := &Telegram{
		cfg:         cfg,
		controls:    controls,
		book:        book,
		broker:      broker,
		journal:     journal,
		client:      client,
		defaultMenu: buildKeyboard(),
		log:         log,
	}

	for _, option := range options {
		option(telegram)
	}

	telegram.registerHandlers()

	return telegram, nil
}

// newAuthMiddleware builds a poller that discards updates from senders
// outside the configured allow list
func newAuthMiddleware(poller *tb.LongPoller, users []int64, log logger.Logger) *tb.MiddlewarePoller {
	return tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			log.Error("no message, update discarded")
			return false
		}

		if slices.Contains(users, u.Message.Sender.ID) {
			return true
		}

		log.Errorf("unauthorized user, update discarded: id %v", u.Message.Sender.ID)
		return false
	})
}

// newBotClient dials the telegram API
func newBotClient(token string, poller tb.Poller) (*tb.Bot, error) {
	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeMarkdown,
		Token:     token,
		Poller:    poller,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return client, nil
}

// buildKeyboard lays out the reply keyboard shortcuts
func buildKeyboard() *tb.ReplyMarkup {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	menu.Reply(
		menu.Row(menu.Text("/status"), menu.Text("/positions"), menu.Text("/profit")),
		menu.Row(menu.Text("/pause"), menu.Text("/resume")),
	)
	return menu
}

// publishCommandList registers the command menu telegram clients show
func publishCommandList(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "help", Description: "Display help instructions"},
		{Text: "status", Description: "Engine status and account equity"},
		{Text: "positions", Description: "List open positions"},
		{Text: "profit", Description: "Session performance summary"},
		{Text: "pause", Description: "Suspend new entries"},
		{Text: "resume", Description: "Resume new entries"},
		{Text: "close", Description: "Flatten one position, e.g. /close BTCUSDT"},
	})
}

// registerHandlers attaches all command handlers to the client
func (t *Telegram) registerHandlers() {
	handlers := map[string]func(m *tb.Message){
		"/help":      t.HelpHandle,
		"/status":    t.StatusHandle,
		"/positions": t.PositionsHandle,
		"/profit":    t.ProfitHandle,
		"/pause":     t.PauseHandle,
		"/resume":    t.ResumeHandle,
		"/close":     t.CloseHandle,
	}

	for command, handler := range handlers {
		t.client.Handle(command, handler)
	}
}

// Start begins the long-poll receive loop and greets the allow list
func (t *Telegram) Start() {
	go t.client.Start()

	for _, id := range t.cfg.Telegram.Users {
		_, err := t.client.Send(&tb.User{ID: id}, "Engine online.", t.defaultMenu)
		if err != nil {
			t.log.WithError(err).Error("telegram: greeting failed")
		}
	}
}

// Notify sends a message to every user on the allow list
func (t *Telegram) Notify(text string) {
	for _, id := range t.cfg.Telegram.Users {
		_, err := t.client.Send(&tb.User{ID: id}, text)
		if err != nil {
			t.log.WithError(err).Error("telegram: send failed")
		}
	}
}

// sendMessage delivers a reply to a single user
func (t *Telegram) sendMessage(user *tb.User, message string, options ...interface{}) {
	_, err := t.client.Send(user, message, options...)
	if err != nil {
		t.log.WithError(err).Error("telegram: send failed")
	}
}

// HelpHandle lists the registered commands
func (t *Telegram) HelpHandle(m *tb.Message) {
	commands, err := t.client.GetCommands()
	if err != nil {
		t.log.WithError(err).Error("telegram: failed to read commands")
		return
	}

	var help strings.Builder
	for _, cmd := range commands {
		fmt.Fprintf(&help, "/%s - %s\n", cmd.Text, cmd.Description)
	}

	t.sendMessage(m.Sender, strings.TrimRight(help.String(), "\n"))
}

// StatusHandle reports the scheduler state, open exposure and equity
func (t *Telegram) StatusHandle(m *tb.Message) {
	state := "scanning"
	if t.controls.Paused() {
		state = "paused"
	}

	equity, err := t.broker.Equity(context.Background())
	if err != nil {
		t.log.WithError(err).Error("telegram: equity fetch failed")
		t.sendMessage(m.Sender, "Could not read account equity.")
		return
	}

	t.sendMessage(m.Sender, fmt.Sprintf("Status: `%s`\nOpen positions: `%d`\nEquity: `%.2f USDT`",
		state, len(t.book.Positions()), equity))
}

// PositionsHandle lists every managed position with its live mark
func (t *Telegram) PositionsHandle(m *tb.Message) {
	positions := t.book.Positions()
	if len(positions) == 0 {
		t.sendMessage(m.Sender, "No open positions.")
		return
	}

	lines := make([]string, 0, len(positions))
	for _, position := range positions {
		line := positionLine(position)
		snapshot, err := t.broker.PositionRisk(context.Background(), position.Pair)
		if err == nil && !snapshot.Flat() {
			line += fmt.Sprintf("\nmark %s, unrealized %+.2f USDT",
				formatFloat(snapshot.MarkPrice), unrealized(position, snapshot.MarkPrice))
		}
		lines = append(lines, line)
	}

	t.sendMessage(m.Sender, strings.Join(lines, "\n\n"))
}

// ProfitHandle renders the session summary from the closed-trade journal
func (t *Telegram) ProfitHandle(m *tb.Message) {
	events, err := t.journal.Events(core.WithEventTypeIn(core.EventClosed))
	if err != nil {
		t.log.WithError(err).Error("telegram: journal read failed")
		return
	}
	if len(events) == 0 {
		t.sendMessage(m.Sender, "No closed trades yet.")
		return
	}

	t.sendMessage(m.Sender, fmt.Sprintf("```\n%s```", metric.Summarize(events).Render()))
}

// PauseHandle suspends new entries until /resume
func (t *Telegram) PauseHandle(m *tb.Message) {
	t.controls.Pause()
	t.sendMessage(m.Sender, "Entries paused. Exits keep running.", t.defaultMenu)
}

// ResumeHandle lifts a pause set by /pause
func (t *Telegram) ResumeHandle(m *tb.Message) {
	t.controls.Resume()
	t.sendMessage(m.Sender, "Entries resumed.", t.defaultMenu)
}

// CloseHandle flattens one position by pair, e.g. /close BTCUSDT
func (t *Telegram) CloseHandle(m *tb.Message) {
	match := closeRegexp.FindStringSubmatch(m.Text)
	if len(match) < 2 {
		t.sendMessage(m.Sender, "Usage: `/close BTCUSDT`")
		return
	}

	pair := strings.ToUpper(match[1])
	if err := t.book.Close(context.Background(), pair, core.CloseReasonManual); err != nil {
		t.sendMessage(m.Sender, fmt.Sprintf("Close failed: %s", err))
		return
	}

	t.sendMessage(m.Sender, fmt.Sprintf("Manual close requested for `%s`.", pair))
}

// OnEvent forwards the loud lifecycle transitions to chat. Bookkeeping
// steps (created, protected, closing) stay in the log only.
func (t *Telegram) OnEvent(event core.Event) {
	if message, ok := eventMessage(event); ok {
		t.Notify(message)
	}
}

// OnError notifies engine errors, unwrapping venue order errors
func (t *Telegram) OnError(err error) {
	t.Notify(errorMessage(err))
}

// eventMessage renders a lifecycle event for chat delivery. The second
// return reports whether the event type is notified at all.
func eventMessage(event core.Event) (string, bool) {
	switch event.Type {
	case core.EventFilled:
		return fmt.Sprintf("✅ FILLED - %s\n%s %s x%d\n%s contracts @ %s",
			event.Pair, strings.ToLower(string(event.Side)), event.Strategy, event.Leverage,
			formatFloat(event.Contracts), formatFloat(event.Price)), true
	case core.EventTPHit:
		return fmt.Sprintf("🎯 TP1 - %s\nbanked %s contracts @ %s\nrealized %+.2f USDT",
			event.Pair, formatFloat(event.Contracts), formatFloat(event.Price), event.PnL), true
	case core.EventClosed:
		title := "✅ CLOSED"
		if event.PnL < 0 {
			title = "🔻 CLOSED"
		}
		return fmt.Sprintf("%s - %s (%s)\nPnL %+.2f USDT, ROE %+.1f%%",
			title, event.Pair, event.Reason, event.PnL, event.ROE*100), true
	case core.EventUnprotected:
		return fmt.Sprintf("🛑 UNPROTECTED - %s\nnaked exposure of %s contracts, flattening now",
			event.Pair, formatFloat(event.Contracts)), true
	case core.EventRecovered:
		return fmt.Sprintf("♻️ RECOVERED - %s\nadopted %s contracts as protected",
			event.Pair, formatFloat(event.Contracts)), true
	default:
		return "", false
	}
}

// errorMessage renders an error for chat delivery
func errorMessage(err error) string {
	title := "🛑 ERROR"

	var oe *exchange.OrderError
	if errors.As(err, &oe) {
		return fmt.Sprintf("%s\n-----\nPair: %s\nContracts: %s\n-----\n%v",
			title, oe.Pair, formatFloat(oe.Contracts), oe.Err)
	}

	return fmt.Sprintf("%s\n-----\n%v", title, err)
}

// positionLine renders one managed position without venue data
func positionLine(position *core.Position) string {
	return fmt.Sprintf("*%s* %s %s x%d [%s]\nremaining %s of %s @ entry %s, stop %s",
		position.Pair, strings.ToLower(string(position.Side)), position.Strategy,
		position.Leverage, position.Phase,
		formatFloat(position.RemainingContracts), formatFloat(position.ActualContracts),
		formatFloat(position.EntryPrice), formatFloat(position.StopPrice))
}

// unrealized marks the open remainder to the venue price
func unrealized(position *core.Position, mark float64) float64 {
	return (mark - position.EntryPrice) * position.Side.Sign() * position.RemainingContracts
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
