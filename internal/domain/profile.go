package domain

import (
	"encoding/json"
	"fmt"
)

// profileWire accepts both profile field spellings returned by the backend.
type profileWire struct {
	DisplayName       string         `json:"displayName"`
	FullName          string         `json:"fullName"`
	AvatarURL         string         `json:"avatarUrl"`
	ProfilePictureURL string         `json:"profilePictureUrl"`
	Preferences       map[string]any `json:"preferences"`
}

// ParseProfile decodes a backend profile payload. The payload is kept verbatim.
func ParseProfile(payload []byte) (*Profile, error) {
	var w profileWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	p := &Profile{
		DisplayName: w.DisplayName,
		AvatarURL:   w.AvatarURL,
		Preferences: w.Preferences,
		Payload:     append(json.RawMessage(nil), payload...),
	}
	if p.DisplayName == "" {
		p.DisplayName = w.FullName
	}
	if p.AvatarURL == "" {
		p.AvatarURL = w.ProfilePictureURL
	}
	return p, nil
}
