// Package wire classifies and encodes the payloads carried over the message
// channel: plain text, file-metadata envelopes, and call-signaling envelopes.
package wire

import (
	"encoding/json"
	"strings"
)

// SignalPrefix tags call-signaling payloads so they can ride inside the
// ordinary message channel. Everything after the prefix is a JSON envelope.
const SignalPrefix = "::call::"

// Signal envelope types.
const (
	SignalOffer        = "OFFER"
	SignalAnswer       = "ANSWER"
	SignalICECandidate = "ICE_CANDIDATE"
	SignalHangUp       = "HANG_UP"
	SignalBusy         = "BUSY"
)

const fileMessageType = "file"

// Kind is the classification of a decoded payload.
type Kind string

const (
	KindText         Kind = "text"
	KindFile         Kind = "file"
	KindSignal       Kind = "call-signal"
	KindUnrecognized Kind = "unrecognized"
)

// SignalEnvelope is a single call-signaling message. Payload is opaque to
// this package: an SDP blob for OFFER/ANSWER, a serialized candidate for
// ICE_CANDIDATE, empty for HANG_UP/BUSY.
type SignalEnvelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

// Encode serializes the envelope with the signal prefix.
func (e SignalEnvelope) Encode() string {
	data, _ := json.Marshal(e)
	return SignalPrefix + string(data)
}

// FileEnvelope describes a file whose bytes travel out of band. Only the
// metadata crosses the message channel.
type FileEnvelope struct {
	MessageType string `json:"messageType"`
	FileID      string `json:"fileID"`
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
}

// Encode serializes the envelope for the message channel.
func (f FileEnvelope) Encode() string {
	f.MessageType = fileMessageType
	data, _ := json.Marshal(f)
	return string(data)
}

// Payload is the result of classifying raw message content. Exactly one of
// File/Signal is set for the corresponding kind; Text always carries the raw
// content.
type Payload struct {
	Kind   Kind
	Text   string
	File   *FileEnvelope
	Signal *SignalEnvelope
}

// Decode classifies raw message content. It never fails: content that
// carries the signal prefix or the file message type but does not parse
// classifies as KindUnrecognized, everything else falls back to plain text.
func Decode(content string) Payload {
	if strings.HasPrefix(content, SignalPrefix) {
		return decodeSignal(strings.TrimPrefix(content, SignalPrefix))
	}

	if looksLikeJSONObject(content) {
		if p, ok := decodeFile(content); ok {
			return p
		}
	}

	return Payload{Kind: KindText, Text: content}
}

func decodeSignal(body string) Payload {
	var env SignalEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Payload{Kind: KindUnrecognized, Text: body}
	}
	switch env.Type {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHangUp, SignalBusy:
		return Payload{Kind: KindSignal, Signal: &env}
	default:
		return Payload{Kind: KindUnrecognized, Text: body}
	}
}

// decodeFile reports ok=false when the content is not a file envelope at
// all, in which case it is treated as plain text. Content that claims the
// file message type but is missing required fields is unrecognized rather
// than text, so it never shows up as a garbled visible message.
func decodeFile(content string) (Payload, bool) {
	var env FileEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return Payload{}, false
	}
	if env.MessageType != fileMessageType {
		return Payload{}, false
	}
	if env.FileID == "" || env.FileName == "" {
		return Payload{Kind: KindUnrecognized, Text: content}, true
	}
	return Payload{Kind: KindFile, File: &env}, true
}

func looksLikeJSONObject(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "{")
}
