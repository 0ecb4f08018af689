package shared

import (
	"fmt"
	"strings"
)

// ID types keep domain entities distinct while remaining simple strings at runtime.
type (
	UserID       string
	StreamID     string
	BattleID     string
	InvitationID string
	SourceID     string
)

// Validate ensures IDs are not blank and normalized.
func (id UserID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	return nil
}

func (id StreamID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidArgument)
	}
	return nil
}

func (id BattleID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: battle id is required", ErrInvalidArgument)
	}
	return nil
}

func (id InvitationID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: invitation id is required", ErrInvalidArgument)
	}
	return nil
}

func (id SourceID) Validate() error {
	if strings.TrimSpace(string(id)) == "" {
		return fmt.Errorf("%w: score source id is required", ErrInvalidArgument)
	}
	return nil
}
