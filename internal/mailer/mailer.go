// Package mailer sends the best-effort rollout notification emails whose
// recipients deploy.send-mail-on-<action> lists (deploy.support-email is
// not read). It is
// never on the path of a rollout's success or failure: Notify's error is
// logged as a warning by the caller, never raised.
package mailer

import (
    "fmt"
    "net/smtp"
    "strings"
    "time"
)

// Notification is the content of one rollout notification.
type Notification struct {
    Action   string
    Tag      string
    Deployer string
    Host     string
    Started  time.Time
    Duration time.Duration
}

func (n Notification) body() string {
    var b strings.Builder
    fmt.Fprintf(&b, "action: %s\n", n.Action)
    fmt.Fprintf(&b, "tag: %s\n", n.Tag)
    fmt.Fprintf(&b, "deployed-by: %s\n", n.Deployer)
    fmt.Fprintf(&b, "host: %s\n", n.Host)
    fmt.Fprintf(&b, "started: %s\n", n.Started.Format("2006-01-02 15:04:05"))
    fmt.Fprintf(&b, "duration: %s\n", n.Duration.Round(time.Millisecond))
    return b.String()
}

// Mailer sends notifications through an SMTP relay.
type Mailer struct {
    Addr string // "host:port" of the relay, e.g. deploy.mail-tool or "localhost:25"
    From string
}

func New(addr, from string) *Mailer {
    return &Mailer{Addr: addr, From: from}
}

// Notify sends n to every address in to. A nil/empty to list is a no-op,
// matching the "unset send-mail-on-<action> disables the notification"
// config contract.
func (m *Mailer) Notify(to []string, n Notification) error {
    if len(to) == 0 {
        return nil
    }

    subject := fmt.Sprintf("[git-deploy] %s %s", n.Action, n.Tag)
    var msg strings.Builder
    fmt.Fprintf(&msg, "From: %s\r\n", m.From)
    fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
    fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
    msg.WriteString(n.body())

    return smtp.SendMail(m.Addr, nil, m.From, to, []byte(msg.String()))
}
