package notification

import (
	"fmt"
	"net/smtp"

	log "github.com/sirupsen/logrus"

	"github.com/driftline/perpsweep/config"
	"github.com/driftline/perpsweep/core"
)

// Mail delivers exposure alarms over SMTP. It is the channel of last
// resort when telegram is disabled or unreachable.
type Mail struct {
	auth smtp.Auth
	host string
	port int
	from string
	to   string
}

// NewMail builds an SMTP notifier from the mail config block
func NewMail(cfg config.MailConfig) Mail {
	username := cfg.Username
	if username == "" {
		username = cfg.From
	}

	return Mail{
		auth: smtp.PlainAuth("", username, cfg.Password, cfg.Host),
		host: cfg.Host,
		port: cfg.Port,
		from: cfg.From,
		to:   cfg.To,
	}
}

// Notify sends the given body, which must start with a Subject header
func (t Mail) Notify(text string) {
	serverAddress := fmt.Sprintf("%s:%d", t.host, t.port)
	message := fmt.Sprintf("To: %s\r\nFrom: %s\r\n%s", t.to, t.from, text)

	err := smtp.SendMail(serverAddress, t.auth, t.from, []string{t.to}, []byte(message))
	if err != nil {
		log.WithError(err).Error("notification/mail: couldn't deliver mail")
	}
}

// OnEvent mails only the alarms that demand attention while the
// operator is away from chat.
func (t Mail) OnEvent(event core.Event) {
	switch event.Type {
	case core.EventUnprotected:
		t.Notify(fmt.Sprintf("Subject: 🛑 UNPROTECTED EXPOSURE - %s\r\n\r\nnaked fill of %v contracts on %s, flattening now\r\n",
			event.Pair, event.Contracts, event.Pair))
	case core.EventClosed:
		if event.Reason == core.CloseReasonUnprotected {
			t.Notify(fmt.Sprintf("Subject: Flattened %s\r\n\r\nunprotected exposure on %s closed, pnl %.2f USDT\r\n",
				event.Pair, event.Pair, event.PnL))
		}
	}
}

// OnError mails engine errors
func (t Mail) OnError(err error) {
	t.Notify(fmt.Sprintf("Subject: 🛑 ERROR\r\n\r\n%s\r\n", err))
}
