package entities

import (
	"errors"
)

// User is the account the client authenticated as.
type User struct {
	ID   string `json:"id" bson:"id"`
	Name string `json:"name" bson:"name"`
}

// Character is an AI character the server can chat as.
type Character struct {
	ID           string `json:"id" bson:"id"`
	Name         string `json:"name" bson:"name"`
	CreatorNotes string `json:"creatorNotes,omitempty" bson:"creator_notes,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty" bson:"thumbnail_url,omitempty"`
	Explicit     bool   `json:"explicit" bson:"explicit"`
	Favorite     bool   `json:"favorite" bson:"favorite"`
}

// ServiceType names a server-side service a chat depends on.
type ServiceType string

const (
	ServiceTextGen         ServiceType = "textGen"
	ServiceSpeechToText    ServiceType = "speechToText"
	ServiceTextToSpeech    ServiceType = "textToSpeech"
	ServiceActionInference ServiceType = "actionInference"
)

// RequiredServices must all be active for a chat to start.
var RequiredServices = []ServiceType{ServiceTextGen, ServiceSpeechToText, ServiceTextToSpeech}

// ServiceDescriptor identifies the concrete provider behind a service.
type ServiceDescriptor struct {
	Type        ServiceType `json:"type"`
	ServiceName string      `json:"serviceName"`
	ServiceID   string      `json:"serviceId"`
}

// Domain validation methods
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	return nil
}

// Validate checks that the character has an id and a name.
func (c *Character) Validate() error {
	if c.ID == "" {
		return errors.New("character id is required")
	}
	if c.Name == "" {
		return errors.New("character name is required")
	}
	return nil
}
