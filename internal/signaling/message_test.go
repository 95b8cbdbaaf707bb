package signaling

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// TestEncode checks the exact wire shape of every message variant.
func TestEncode(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "offer",
			msg:  SdpOffer{Description: offerDesc("v=0")},
			want: `{"type":"sdp_offer","data":{"type":"offer","sdp":"v=0"}}`,
		},
		{
			name: "answer",
			msg:  SdpAnswer{Description: answerDesc("v=0")},
			want: `{"type":"sdp_answer","data":{"type":"answer","sdp":"v=0"}}`,
		},
		{
			name: "candidate with all fields",
			msg: IceCandidate{Candidate: &Candidate{
				Candidate:        "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host",
				SDPMid:           ptr("0"),
				SDPMLineIndex:    ptr(uint16(0)),
				UsernameFragment: ptr("abcd"),
			}},
			want: `{"type":"ice_candidate","data":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":"abcd"}}`,
		},
		{
			name: "empty candidate",
			msg:  IceCandidate{Candidate: &Candidate{}},
			want: `{"type":"ice_candidate","data":{"candidate":""}}`,
		},
		{
			name: "end of candidates",
			msg:  IceCandidate{Candidate: nil},
			want: `{"type":"ice_candidate","data":null}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(got))

			decoded, err := Decode(got)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestDecodeAcceptsVariants(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
		want  Message
	}{
		{
			name:  "candidate without data",
			frame: `{"type":"ice_candidate"}`,
			want:  IceCandidate{Candidate: nil},
		},
		{
			name:  "surrounding whitespace",
			frame: " \n{\"type\":\"sdp_offer\",\"data\":{\"type\":\"offer\",\"sdp\":\"v=0\"}}\n",
			want:  SdpOffer{Description: offerDesc("v=0")},
		},
		{
			name:  "string encoded frame",
			frame: strconv.Quote(`{"type":"sdp_answer","data":{"type":"answer","sdp":"v=0"}}`),
			want:  SdpAnswer{Description: answerDesc("v=0")},
		},
		{
			name:  "candidate with null mid",
			frame: `{"type":"ice_candidate","data":{"candidate":"c","sdpMid":null,"sdpMLineIndex":1}}`,
			want:  IceCandidate{Candidate: &Candidate{Candidate: "c", SDPMLineIndex: ptr(uint16(1))}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.frame))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestDecodeRejectsMalformed verifies that every malformed frame is reported
// as a protocol violation rather than a crash.
func TestDecodeRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"array", `[1,2]`},
		{"missing type", `{"data":{}}`},
		{"unknown type", `{"type":"bye","data":{}}`},
		{"unknown field", `{"type":"ice_candidate","data":null,"extra":1}`},
		{"trailing data", `{"type":"ice_candidate","data":null} {}`},
		{"offer without data", `{"type":"sdp_offer"}`},
		{"offer with null data", `{"type":"sdp_offer","data":null}`},
		{"offer with string data", `{"type":"sdp_offer","data":"v=0"}`},
		{"offer carrying answer", `{"type":"sdp_offer","data":{"type":"answer","sdp":"v=0"}}`},
		{"answer with empty sdp", `{"type":"sdp_answer","data":{"type":"answer","sdp":""}}`},
		{"candidate not an object", `{"type":"ice_candidate","data":42}`},
		{"double string encoding", strconv.Quote(strconv.Quote(`{"type":"ice_candidate"}`))},
		{"broken string frame", `"{\"type\"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.frame))
			assert.Nil(t, msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, KindProtocolViolation, KindOf(err))
		})
	}
}

func TestEncodeRejectsNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}
