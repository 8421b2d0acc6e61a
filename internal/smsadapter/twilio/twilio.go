// Package twilio implements capability.SMSGateway over the Twilio REST API,
// used by the outbound dialer's fallback policy when a call exhausts its
// retries without an answer.
package twilio

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// Adapter sends SMS messages through a Twilio account.
type Adapter struct {
	client     *twilio.RestClient
	fromNumber string
}

// New constructs an Adapter for the given Twilio account. accountSID,
// authToken, and fromNumber must all be non-empty.
func New(accountSID, authToken, fromNumber string) (*Adapter, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("smsadapter/twilio: account SID and auth token are required")
	}
	if fromNumber == "" {
		return nil, fmt.Errorf("smsadapter/twilio: from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Adapter{client: client, fromNumber: fromNumber}, nil
}

// Send implements capability.SMSGateway.
func (a *Adapter) Send(ctx context.Context, msg capability.SMSMessage) (capability.SMSResult, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(a.fromNumber)
	params.SetBody(msg.Body)

	resp, err := a.client.Api.CreateMessage(params)
	if err != nil {
		return capability.SMSResult{Success: false, Error: err.Error()}, fmt.Errorf("smsadapter/twilio: send: %w", err)
	}

	result := capability.SMSResult{Success: true}
	if resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	if resp.ErrorMessage != nil && *resp.ErrorMessage != "" {
		result.Success = false
		result.Error = *resp.ErrorMessage
	}
	return result, nil
}
