package sipgoua

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAudioOffer структура SDP offer голосовой сессии
func TestAudioOffer(t *testing.T) {
	body, err := audioOffer("192.0.2.10", 40000, DirectionSendRecv, 1)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.HasPrefix(text, "v=0"), "offer should start with v=0")
	assert.Contains(t, text, "c=IN IP4 192.0.2.10")
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 8")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, text, "a=sendrecv")
}

// TestAudioOfferDirections направление потока попадает в атрибуты
func TestAudioOfferDirections(t *testing.T) {
	for _, dir := range []MediaDirection{
		DirectionSendOnly, DirectionRecvOnly, DirectionInactive,
	} {
		body, err := audioOffer("127.0.0.1", 4000, dir, 2)
		require.NoError(t, err)
		assert.Contains(t, string(body), "a="+string(dir))
	}
}

// TestAudioOfferVersion повторный offer несет новую версию сессии
func TestAudioOfferVersion(t *testing.T) {
	first, err := audioOffer("127.0.0.1", 4000, DirectionSendRecv, 7)
	require.NoError(t, err)
	assert.Contains(t, string(first), " 7 IN IP4 127.0.0.1")
}
