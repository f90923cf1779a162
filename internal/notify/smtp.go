package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/shopspring/decimal"
)

const smtpFallbackTimeout = 30 * time.Second

// SMTPNotifier sends lifecycle emails through a plain SMTP relay. Every send
// is deadline-bound by the caller's context, so a hung relay cannot pin a
// goroutine.
type SMTPNotifier struct {
	host     string
	port     string
	username string
	password string
	from     string
	baseURL  string
}

// NewSMTPNotifier creates an SMTP-backed notifier. baseURL is used to build
// the negotiation links embedded in messages.
func NewSMTPNotifier(host, port, username, password, from, baseURL string) *SMTPNotifier {
	return &SMTPNotifier{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		baseURL:  baseURL,
	}
}

func (n *SMTPNotifier) SendOTP(ctx context.Context, email, code string, expiry time.Time) error {
	body := fmt.Sprintf(
		"Your verification code is %s.\r\n\r\nEnter it to review the settlement offer. The offer expires on %s.\r\n",
		code, expiry.Format("January 2, 2006"))
	return n.send(ctx, email, "Your verification code", body)
}

func (n *SMTPNotifier) SendCounterOffer(ctx context.Context, email string, amount decimal.Decimal, message string) error {
	body := fmt.Sprintf("The billing office countered with $%s.\r\n", amount.StringFixed(2))
	if message != "" {
		body += fmt.Sprintf("\r\nTheir note: %s\r\n", message)
	}
	return n.send(ctx, email, "Counter offer received", body)
}

func (n *SMTPNotifier) SendAccepted(ctx context.Context, email string, amount decimal.Decimal) error {
	body := fmt.Sprintf("The settlement offer was accepted at $%s. Payment will follow shortly.\r\n", amount.StringFixed(2))
	return n.send(ctx, email, "Settlement offer accepted", body)
}

func (n *SMTPNotifier) SendPaymentConfirmation(ctx context.Context, email string, amount decimal.Decimal, reference string) error {
	body := fmt.Sprintf("Payment of $%s completed. Reference: %s\r\n", amount.StringFixed(2), reference)
	return n.send(ctx, email, "Payment confirmation", body)
}

// send drives the SMTP conversation over a connection bound to the context's
// deadline. smtp.SendMail dials without one, which is why it is not used.
func (n *SMTPNotifier) send(ctx context.Context, to, subject, body string) error {
	addr := n.host + ":" + n.port

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp relay %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpFallbackTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, n.host)
	if err != nil {
		return fmt.Errorf("smtp handshake with %s failed: %w", addr, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: n.host}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if n.username != "" {
		if err := c.Auth(smtp.PlainAuth("", n.username, n.password, n.host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := c.Mail(n.from); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to %s failed: %w", to, err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.from, to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish email body: %w", err)
	}

	return c.Quit()
}
