package sipgate

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

const dtmfPayloadType = "101"

// audioCodecs maps the RTP payload types this client offers to their
// rtpmap names.
var audioCodecs = map[string]string{
	"0": "PCMU/8000",
	"8": "PCMA/8000",
}

var defaultFormats = []string{"0", "8"}

// mediaInfo is the audio endpoint a peer described in its SDP.
type mediaInfo struct {
	Address string
	Port    int
	Formats []string
}

func parseMediaInfo(body []byte) (mediaInfo, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return mediaInfo{}, fmt.Errorf("parse sdp: %w", err)
	}
	var info mediaInfo
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		info.Address = sd.ConnectionInformation.Address.Address
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		info.Port = m.MediaName.Port.Value
		info.Formats = m.MediaName.Formats
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			info.Address = m.ConnectionInformation.Address.Address
		}
		break
	}
	if info.Port == 0 {
		return mediaInfo{}, fmt.Errorf("sdp carries no audio media")
	}
	return info, nil
}

// matchFormats keeps the offered payload types we can speak, in the
// offerer's preference order.
func matchFormats(offered []string) []string {
	matched := make([]string, 0, len(offered))
	for _, f := range offered {
		if _, ok := audioCodecs[f]; ok {
			matched = append(matched, f)
		}
	}
	return matched
}

// buildSDP renders an audio session description for the given formats
// and stream direction (sendrecv or sendonly).
func buildSDP(host string, port int, formats []string, direction string) ([]byte, error) {
	mediaFormats := make([]string, 0, len(formats)+1)
	attrs := make([]sdp.Attribute, 0, len(formats)+4)
	for _, f := range formats {
		name, ok := audioCodecs[f]
		if !ok {
			continue
		}
		mediaFormats = append(mediaFormats, f)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + name})
	}
	if len(mediaFormats) == 0 {
		return nil, fmt.Errorf("no supported audio codec")
	}
	mediaFormats = append(mediaFormats, dtmfPayloadType)
	attrs = append(attrs,
		sdp.Attribute{Key: "rtpmap", Value: dtmfPayloadType + " telephone-event/8000"},
		sdp.Attribute{Key: "fmtp", Value: dtmfPayloadType + " 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: direction},
	)

	sd := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "dialtone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: mediaFormats,
				},
				Attributes: attrs,
			},
		},
	}
	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return body, nil
}

// offerSDP is the session description sent with outbound INVITEs.
func (t *Transport) offerSDP(direction string) ([]byte, error) {
	return buildSDP(t.advertiseHost(), t.cfg.RTPPort, defaultFormats, direction)
}

// answerSDP builds the answer to an incoming offer, keeping the
// caller's codec preference.
func (t *Transport) answerSDP(offer []byte) ([]byte, error) {
	info, err := parseMediaInfo(offer)
	if err != nil {
		return nil, err
	}
	formats := matchFormats(info.Formats)
	if len(formats) == 0 {
		return nil, fmt.Errorf("offer %v has no codec in common", info.Formats)
	}
	return buildSDP(t.advertiseHost(), t.cfg.RTPPort, formats, "sendrecv")
}
