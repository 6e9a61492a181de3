package engine

import (
	"time"

	"github.com/pion/sdp/v3"
)

// buildSDP строит статичное аудио описание (PCMU/PCMA + telephone-event)
// для тела INVITE/200. Согласование кодеков движок не выполняет - медиа
// план вне его ответственности, описание нужно только для валидного
// offer/answer обмена.
func (e *Sipgo) buildSDP() []byte {
	now := uint64(time.Now().Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: e.host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: e.host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: e.port + 2},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0", "8", "101"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: "0 PCMU/8000"},
			{Key: "rtpmap", Value: "8 PCMA/8000"},
			{Key: "rtpmap", Value: "101 telephone-event/8000"},
			{Key: "fmtp", Value: "101 0-15"},
			{Key: "sendrecv"},
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{audio}

	body, err := desc.Marshal()
	if err != nil {
		e.logger.Error("не удалось сериализовать SDP")
		return nil
	}
	return body
}
