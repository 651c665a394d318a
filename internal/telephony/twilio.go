// Package telephony places outbound calls through Twilio. The media for an
// answered call flows back in over the websocket transport, so the dialer's
// only job is creating the call with the right TwiML and status callback.
package telephony

import (
	"context"
	"fmt"
	"strings"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Dialer starts an outbound call for a dial job and returns the provider
// call ID. Faked in worker tests.
type Dialer interface {
	StartOutboundCall(ctx context.Context, agent *domain.Agent, job *domain.DialJob) (string, error)
}

// Config holds Twilio credentials and routing URLs.
type Config struct {
	AccountSID string
	AuthToken  string
	CallerID   string
	PublicURL  string
}

// TwilioDialer implements Dialer over the Twilio REST API.
type TwilioDialer struct {
	client *twilio.RestClient
	cfg    Config
}

// NewTwilioDialer creates a dialer. Credentials must be non-empty.
func NewTwilioDialer(cfg Config) (*TwilioDialer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio credentials not configured")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioDialer{client: client, cfg: cfg}, nil
}

// StartOutboundCall creates the call. Twilio fetches TwiML from our answer
// endpoint (which connects the media stream) and reports terminal status to
// the status callback. The job's retry count rides along in the callback URL
// so the status handler can bound re-dials.
func (d *TwilioDialer) StartOutboundCall(ctx context.Context, agent *domain.Agent, job *domain.DialJob) (string, error) {
	lead := job.Lead
	if lead.Phone == "" {
		return "", fmt.Errorf("lead has no phone number")
	}

	answerURL := fmt.Sprintf("%s/twiml/answer?agentId=%s&contactId=%s", d.cfg.PublicURL, agent.ID, lead.ID)
	statusURL := fmt.Sprintf("%s/calls/status?agentId=%s&contactId=%s&retries=%d", d.cfg.PublicURL, agent.ID, lead.ID, job.Retries)

	params := &api.CreateCallParams{}
	params.SetTo(lead.Phone)
	params.SetFrom(d.cfg.CallerID)
	params.SetUrl(answerURL)
	params.SetMethod("POST")
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackMethod("POST")

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to place call to %s: %w", lead.Phone, err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	logger.Base().Info("outbound call placed",
		zap.String("agent_id", agent.ID),
		zap.String("to", lead.Phone),
		zap.String("call_sid", sid))
	return sid, nil
}

// AnswerTwiML renders the TwiML that greets the callee and connects the
// bidirectional media stream to our websocket endpoint.
func AnswerTwiML(publicURL, agentID, greeting string) string {
	wsURL := strings.Replace(publicURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	if greeting != "" {
		b.WriteString("<Say>")
		b.WriteString(xmlEscape(greeting))
		b.WriteString("</Say>")
	}
	fmt.Fprintf(&b, `<Connect><Stream url="%s/media-stream?agentId=%s"/></Connect>`, wsURL, agentID)
	b.WriteString(`<Pause length="120"/></Response>`)
	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
