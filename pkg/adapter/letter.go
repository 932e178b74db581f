// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// Header names and values describing a payload.
const (
	HeaderObjectType  = "X-CR-OBJECTTYPE"
	HeaderEncrypted   = "X-CR-ENCRYPTED"
	HeaderEncryption  = "X-CR-ENCRYPTION"
	HeaderEncryptDate = "X-CR-ENCRYPTDATE"
	HeaderCompressed  = "X-CR-COMPRESSED"
	HeaderCompression = "X-CR-COMPRESSION"

	// ObjectTypeLetter marks a body holding a JSON encoded Letter.
	ObjectTypeLetter = "LETTER"
	// ObjectTypeUnknown is reported when the object type header is absent or malformed.
	ObjectTypeUnknown = "UNKNOWN"
)

// Letter is the envelope published by the matching producer side.
type Letter struct {
	LetterID       string          `json:"LetterId"`
	Envelope       Envelope        `json:"Envelope"`
	LetterMetadata *LetterMetadata `json:"LetterMetadata,omitempty"`
	// Body is the inner payload, possibly compressed or encrypted.
	Body []byte `json:"Body"`
}

// Envelope carries the routing a letter was published with.
type Envelope struct {
	Exchange       string          `json:"Exchange"`
	RoutingKey     string          `json:"RoutingKey"`
	RoutingOptions *RoutingOptions `json:"RoutingOptions,omitempty"`
}

type RoutingOptions struct {
	DeliveryMode  uint8  `json:"DeliveryMode"`
	Mandatory     bool   `json:"Mandatory"`
	PriorityLevel uint8  `json:"PriorityLevel"`
	MessageType   string `json:"MessageType"`
}

type LetterMetadata struct {
	ID           string         `json:"Id"`
	Encrypted    bool           `json:"Encrypted"`
	Compressed   bool           `json:"Compressed"`
	CustomFields map[string]any `json:"CustomFields,omitempty"`
}

// decodeLetter tries the fast decoder first and encoding/json second.
func decodeLetter(data []byte) (*Letter, error) {
	var l Letter

	fastErr := gojson.Unmarshal(data, &l)
	if fastErr == nil {
		return &l, nil
	}

	l = Letter{}
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode letter: %w (fast decoder: %v)", err, fastErr)
	}

	return &l, nil
}
