package gateway

import (
	"strconv"

	"github.com/gorilla/websocket"
)

// CloseCode is a WebSocket close status code as defined by RFC 6455.
type CloseCode int

const (
	CloseNormal             CloseCode = websocket.CloseNormalClosure
	CloseGoingAway          CloseCode = websocket.CloseGoingAway
	CloseProtocolError      CloseCode = websocket.CloseProtocolError
	CloseUnsupportedData    CloseCode = websocket.CloseUnsupportedData
	CloseReserved           CloseCode = 1004
	CloseNoStatus           CloseCode = websocket.CloseNoStatusReceived
	CloseAbnormal           CloseCode = websocket.CloseAbnormalClosure
	CloseInvalidPayload     CloseCode = websocket.CloseInvalidFramePayloadData
	ClosePolicyViolation    CloseCode = websocket.ClosePolicyViolation
	CloseMessageTooBig      CloseCode = websocket.CloseMessageTooBig
	CloseMandatoryExtension CloseCode = websocket.CloseMandatoryExtension
	CloseInternalError      CloseCode = websocket.CloseInternalServerErr
	CloseServiceRestart     CloseCode = websocket.CloseServiceRestart
	CloseTryAgainLater      CloseCode = websocket.CloseTryAgainLater
	CloseBadGateway         CloseCode = 1014
	CloseTLSHandshake       CloseCode = websocket.CloseTLSHandshake
)

var closeCodeNames = map[CloseCode]string{
	CloseNormal:             "normal closure",
	CloseGoingAway:          "going away",
	CloseProtocolError:      "protocol error",
	CloseUnsupportedData:    "unsupported data",
	CloseReserved:           "reserved",
	CloseNoStatus:           "no status received",
	CloseAbnormal:           "abnormal closure",
	CloseInvalidPayload:     "invalid frame payload data",
	ClosePolicyViolation:    "policy violation",
	CloseMessageTooBig:      "message too big",
	CloseMandatoryExtension: "mandatory extension",
	CloseInternalError:      "internal server error",
	CloseServiceRestart:     "service restart",
	CloseTryAgainLater:      "try again later",
	CloseBadGateway:         "bad gateway",
	CloseTLSHandshake:       "TLS handshake",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	return "close code " + strconv.Itoa(int(c))
}

// Sendable reports whether c may appear in a close frame. 1004 to 1006 and 1015
// never go on the wire.
func (c CloseCode) Sendable() bool {
	switch c {
	case CloseReserved, CloseNoStatus, CloseAbnormal, CloseTLSHandshake:
		return false
	}
	return c >= CloseNormal && c < 5000
}
