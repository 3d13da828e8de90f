package models

import "encoding/json"

/*
	Wire frames for the socket service. All frames are JSON text messages
	over the websocket. Clients send subscribe/unsubscribe/heartbeat; the
	server sends ack/event/error. The payload shape inside an event frame
	is whatever the writer committed - the substrate does not interpret it.
*/

type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameAck         FrameType = "ack"
	FrameEvent       FrameType = "event"
	FrameError       FrameType = "error"
)

type Frame struct {
	Type     FrameType       `json:"type"`
	Resource string          `json:"resource,omitempty"`
	Revision int64           `json:"revision,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func EventFrame(ev ChangeEvent) Frame {
	return Frame{
		Type:     FrameEvent,
		Resource: ev.Resource,
		Revision: ev.Revision,
		Payload:  ev.Payload,
	}
}

func AckFrame(of FrameType, resource string) Frame {
	return Frame{
		Type:     FrameAck,
		Resource: resource,
		Message:  string(of),
	}
}
