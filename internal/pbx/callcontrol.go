package pbx

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Answer answers the channel identified by callUUID.
func (c *Client) Answer(callUUID string) error {
	_, err := c.command(fmt.Sprintf("api uuid_answer %s", callUUID))
	return err
}

// Hangup terminates the channel identified by callUUID with an optional
// hangup cause (e.g. "NORMAL_CLEARING"); an empty cause lets the PBX pick
// its default.
func (c *Client) Hangup(callUUID, cause string) error {
	cmd := fmt.Sprintf("api uuid_kill %s", callUUID)
	if cause != "" {
		cmd = fmt.Sprintf("api uuid_kill %s %s", callUUID, cause)
	}
	_, err := c.command(cmd)
	return err
}

// Transfer redirects callUUID to destination within the given dialplan
// context (e.g. "transfer 1234 XML default").
func (c *Client) Transfer(callUUID, destination, dialplanContext string) error {
	_, err := c.command(fmt.Sprintf("api uuid_transfer %s %s XML %s", callUUID, destination, dialplanContext))
	return err
}

// Bridge connects two established channels together.
func (c *Client) Bridge(callUUIDA, callUUIDB string) error {
	_, err := c.command(fmt.Sprintf("api uuid_bridge %s %s", callUUIDA, callUUIDB))
	return err
}

// ExecuteApp runs a dialplan application against callUUID with the given
// argument string, e.g. ExecuteApp(id, "playback", "/path/to/file.wav").
func (c *Client) ExecuteApp(callUUID, app, args string) error {
	cmd := fmt.Sprintf("api uuid_broadcast %s %s::%s aleg", callUUID, app, args)
	if args == "" {
		cmd = fmt.Sprintf("api uuid_broadcast %s %s aleg", callUUID, app)
	}
	_, err := c.command(cmd)
	return err
}

// Playback plays an audio file to callUUID and blocks the dialplan
// leg until playback completes or is interrupted.
func (c *Client) Playback(callUUID, path string) error {
	_, err := c.command(fmt.Sprintf("api uuid_broadcast %s playback::%s aleg", callUUID, path))
	return err
}

// Record starts recording callUUID to path.
func (c *Client) Record(callUUID, path string) error {
	_, err := c.command(fmt.Sprintf("api uuid_record %s start %s", callUUID, path))
	return err
}

// StopRecord stops an in-progress recording started with Record.
func (c *Client) StopRecord(callUUID, path string) error {
	_, err := c.command(fmt.Sprintf("api uuid_record %s stop %s", callUUID, path))
	return err
}

// StreamToSocket bridges callUUID's media to a raw audio WebSocket/TCP
// endpoint, the mechanism the audio bridge listens on.
func (c *Client) StreamToSocket(callUUID, socketAddr string) error {
	_, err := c.command(fmt.Sprintf("api uuid_audio_fork %s start %s mono 16000", callUUID, socketAddr))
	return err
}

// SendDTMF plays the given DTMF digit string to callUUID using RFC 4733
// telephone-event signaling.
func (c *Client) SendDTMF(callUUID, digits string) error {
	if err := ValidateDTMFDigits(digits); err != nil {
		return err
	}
	_, err := c.command(fmt.Sprintf("api uuid_send_dtmf %s %s", callUUID, digits))
	return err
}

// SetVariable sets a channel variable on callUUID.
func (c *Client) SetVariable(callUUID, name, value string) error {
	_, err := c.command(fmt.Sprintf("api uuid_setvar %s %s %s", callUUID, name, value))
	return err
}

// GetVariable returns the value of a channel variable on callUUID.
func (c *Client) GetVariable(callUUID, name string) (string, error) {
	ev, err := c.command(fmt.Sprintf("api uuid_getvar %s %s", callUUID, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(ev.Body), nil
}

// Hold places callUUID on hold (music-on-hold if configured).
func (c *Client) Hold(callUUID string) error {
	_, err := c.command(fmt.Sprintf("api uuid_hold %s", callUUID))
	return err
}

// Unhold takes callUUID off hold.
func (c *Client) Unhold(callUUID string) error {
	_, err := c.command(fmt.Sprintf("api uuid_hold off %s", callUUID))
	return err
}

// Mute suppresses callUUID's outbound audio.
func (c *Client) Mute(callUUID string) error {
	_, err := c.command(fmt.Sprintf("api uuid_audio %s start write mute 1", callUUID))
	return err
}

// Unmute restores callUUID's outbound audio after Mute.
func (c *Client) Unmute(callUUID string) error {
	_, err := c.command(fmt.Sprintf("api uuid_audio %s stop write", callUUID))
	return err
}

// ChannelInfo reports the channel variables returned by uuid_dump.
func (c *Client) ChannelInfo(callUUID string) (map[string]string, error) {
	ev, err := c.command(fmt.Sprintf("api uuid_dump %s", callUUID))
	if err != nil {
		return nil, err
	}
	return parseDumpBody(ev.Body), nil
}

func parseDumpBody(body string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		if idx := strings.Index(line, ":"); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			out[key] = val
		}
	}
	return out
}

// OriginateRequest describes an outbound call to place via Originate.
type OriginateRequest struct {
	DialString string            // e.g. "sofia/gateway/trunk1/+4930123456"
	Vars       map[string]string // channel variables set before dialing
	App        string            // dialplan application to run once answered, e.g. "park"
	AppArgs    string
}

// Originate places an outbound call and returns the new channel's UUID
// once the PBX accepts the request (not once it is answered).
func (c *Client) Originate(req OriginateRequest) (string, error) {
	varPairs := make([]string, 0, len(req.Vars)+1)
	varPairs = append(varPairs, "origination_uuid="+uuid.NewString())
	for k, v := range req.Vars {
		varPairs = append(varPairs, fmt.Sprintf("%s=%s", k, v))
	}

	app := req.App
	if app == "" {
		app = "park"
	}
	appPart := app
	if req.AppArgs != "" {
		appPart = fmt.Sprintf("%s(%s)", app, req.AppArgs)
	}

	cmd := fmt.Sprintf("api originate {%s}%s &%s", strings.Join(varPairs, ","), req.DialString, appPart)
	ev, err := c.command(cmd)
	if err != nil {
		return "", err
	}

	if m := originateUUIDPattern.FindStringSubmatch(ev.Body); m != nil {
		return m[1], nil
	}
	// origination_uuid was pre-assigned above; fall back to it if the
	// reply body didn't carry one back (some app targets don't echo it).
	for _, pair := range varPairs {
		if strings.HasPrefix(pair, "origination_uuid=") {
			return strings.TrimPrefix(pair, "origination_uuid="), nil
		}
	}
	return "", fmt.Errorf("pbx: originate response did not contain a call uuid: %s", ev.Body)
}
