// Copyright 2025 The Pulsegrid Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

// Client protocol message type tags. Every message is a self-describing
// JSON object with a "type" field.
const (
	MsgTypeHeartbeat   = "presence.heartbeat"
	MsgTypeAway        = "presence.away"
	MsgTypeActive      = "presence.active"
	MsgTypeSubscribe   = "presence.subscribe"
	MsgTypeUnsubscribe = "presence.unsubscribe"

	MsgTypeStatus          = "presence.status"
	MsgTypeSubscribeAck    = "presence.subscribe.ack"
	MsgTypeSubscribeDenied = "presence.subscribe.denied"
	MsgTypeUnsubscribeAck  = "presence.unsubscribe.ack"
	MsgTypeConnected       = "presence.connected"
	MsgTypeError           = "presence.error"
)

// Subscription denial reasons.
const (
	DenyReasonNotMutual    = "not_mutual"
	DenyReasonTooManySubs  = "too_many_subscriptions"
	DenyReasonUserNotFound = "user_not_found"
)

// Protocol violation reasons.
const (
	ErrReasonMalformedMessage = "malformed_message"
	ErrReasonUnknownType      = "unknown_message_type"
	ErrReasonInvalidTarget    = "invalid_target_user_id"
)

type inboundMessage struct {
	Type         string `json:"type"`
	TargetUserID int64  `json:"target_user_id,omitempty"`
}

type statusMessage struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
	Status Status `json:"status"`
	Ts     int64  `json:"ts"`
}

type statusSnapshot struct {
	Status Status `json:"status"`
	Ts     int64  `json:"ts"`
}

type subscribeAckMessage struct {
	Type         string         `json:"type"`
	TargetUserID int64          `json:"target_user_id"`
	Current      statusSnapshot `json:"current"`
}

type subscribeDeniedMessage struct {
	Type         string `json:"type"`
	TargetUserID int64  `json:"target_user_id"`
	Reason       string `json:"reason"`
}

type unsubscribeAckMessage struct {
	Type         string `json:"type"`
	TargetUserID int64  `json:"target_user_id"`
}

type connectedMessage struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
