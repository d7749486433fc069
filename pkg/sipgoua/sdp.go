package sipgoua

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// MediaDirection направление аудио потока в SDP
type MediaDirection string

const (
	DirectionSendRecv MediaDirection = "sendrecv"
	DirectionSendOnly MediaDirection = "sendonly"
	DirectionRecvOnly MediaDirection = "recvonly"
	DirectionInactive MediaDirection = "inactive"
)

// Статические payload типы G.711 (RFC 3551)
const (
	payloadPCMU = 0
	payloadPCMA = 8
)

// audioDescription строит SDP описание голосовой сессии.
//
// Ядро не занимается медиа: описание минимально — один аудио поток
// G.711 с указанным направлением. Кодеки и транспорт медиа остаются
// заботой удаленной стороны и нижележащего стека.
func audioDescription(host string, port int, direction MediaDirection, sessionVersion uint64) *sdp.SessionDescription {
	if sessionVersion == 0 {
		sessionVersion = uint64(time.Now().Unix())
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "webphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
			Formats: []string{
				fmt.Sprintf("%d", payloadPCMU),
				fmt.Sprintf("%d", payloadPCMA),
			},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/8000", payloadPCMU)),
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMA/8000", payloadPCMA)),
			sdp.NewPropertyAttribute(string(direction)),
		},
	}

	desc.MediaDescriptions = []*sdp.MediaDescription{media}
	return desc
}

// audioOffer маршалит SDP offer/answer для голосовой сессии
func audioOffer(host string, port int, direction MediaDirection, version uint64) ([]byte, error) {
	desc := audioDescription(host, port, direction, version)
	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return body, nil
}
