// Package smtpclient adapts an established network connection into a
// single outbound delivery attempt. It is the relay's only collaborator
// for the wire-level client codec, which spec.md places out of scope for
// this module: this package is a thin, swappable seam in front of
// net/smtp, grounded on elemta's internal/delivery/manager.go
// (deliverToHost), generalized to report per-recipient reply codes
// instead of returning the first error encountered.
package smtpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"

	"golang.org/x/text/unicode/norm"

	"github.com/elemta/relay/internal/retryer"
)

// Envelope is the outbound transaction a Client attempts to deliver over
// an already-open connection.
type Envelope struct {
	Sender     string
	SenderArgs []string
	Recipients []string
	Body       []byte
}

// Client sends one envelope over one connection. Implementations own
// protocol detail (EHLO, STARTTLS, pipelining); callers only see the
// resulting retryer.Attempt.
type Client interface {
	SendEnvelope(conn net.Conn, heloName string, tlsConfig *tls.Config, env Envelope) retryer.Attempt
}

// NetSMTPClient is the reference Client built on the standard library's
// net/smtp, matching the teacher's deliverToHost sequence: Hello,
// opportunistic StartTLS, Mail, Rcpt per recipient, Data, Quit.
type NetSMTPClient struct{}

// SendEnvelope implements Client.
func (NetSMTPClient) SendEnvelope(conn net.Conn, heloName string, tlsConfig *tls.Config, env Envelope) retryer.Attempt {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return retryer.Attempt{GaveUp: true, Err: fmt.Errorf("smtp client: %w", err)}
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(heloName); err != nil {
		return envelopeError(err)
	}

	if tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return envelopeError(fmt.Errorf("starttls: %w", err))
			}
		}
	}

	var mailArgs string
	for _, a := range env.SenderArgs {
		mailArgs += " " + a
	}
	if err := client.Mail(norm.NFC.String(env.Sender) + mailArgs); err != nil {
		return envelopeError(err)
	}

	results := make([]retryer.RecipientResult, 0, len(env.Recipients))
	for _, rcpt := range env.Recipients {
		normalized := norm.NFC.String(rcpt)
		if err := client.Rcpt(normalized); err != nil {
			code, msg := classify(err)
			results = append(results, retryer.RecipientResult{Recipient: normalized, Code: code, Message: msg})
			continue
		}
		results = append(results, retryer.RecipientResult{Recipient: normalized, Code: 0})
	}

	if allRejected(results) {
		_ = client.Reset()
		_ = client.Quit()
		return retryer.Attempt{Recipients: results}
	}

	w, err := client.Data()
	if err != nil {
		return envelopeError(err)
	}
	if _, err := w.Write(env.Body); err != nil {
		return envelopeError(fmt.Errorf("write data: %w", err))
	}
	if err := w.Close(); err != nil {
		return envelopeError(fmt.Errorf("close data: %w", err))
	}

	_ = client.Quit()
	return retryer.Attempt{Recipients: results}
}

func allRejected(results []retryer.RecipientResult) bool {
	for _, r := range results {
		if r.Code == 0 {
			return false
		}
	}
	return true
}

func envelopeError(err error) retryer.Attempt {
	code, msg := classify(err)
	return retryer.Attempt{EnvelopeRejected: true, Code: code, Message: msg, Err: err}
}

// classify extracts the numeric SMTP reply code from a net/textproto
// error, defaulting to 450 (temporary) for errors that never reached the
// wire, matching the teacher's "default to retry on ambiguous error"
// posture for connection-level failures.
func classify(err error) (int, string) {
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code, tpErr.Msg
	}
	return 450, err.Error()
}
