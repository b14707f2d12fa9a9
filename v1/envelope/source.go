package envelope

import (
	"encoding/json"
	"fmt"
)

// SourceType classifies who produced an envelope. The hub applies
// source-specific policy, e.g. dropping agent events for organizations that
// disabled the agent feature.
type SourceType int

const (
	SourceSystem SourceType = iota
	SourceUser
	// SourceChatBot is an automated agent acting inside an organization.
	SourceChatBot
	// SourceSystemBot is an automated system-level agent.
	SourceSystemBot
)

var sourceNames = [...]string{
	SourceSystem:    "System",
	SourceUser:      "User",
	SourceChatBot:   "ChatBot",
	SourceSystemBot: "SystemBot",
}

// IsAgent reports whether s is one of the automated agent classes.
func (s SourceType) IsAgent() bool {
	return s == SourceChatBot || s == SourceSystemBot
}

func (s SourceType) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("SourceType(%d)", int(s))
	}
	return sourceNames[s]
}

// ParseSourceType parses the wire name of a source type.
func ParseSourceType(name string) (SourceType, error) {
	for i, n := range sourceNames {
		if n == name {
			return SourceType(i), nil
		}
	}
	return SourceSystem, fmt.Errorf("envelope: unknown source type %q", name)
}

func (s SourceType) MarshalJSON() ([]byte, error) {
	if s < 0 || int(s) >= len(sourceNames) {
		return nil, fmt.Errorf("envelope: unknown source type %d", int(s))
	}
	return json.Marshal(sourceNames[s])
}

func (s *SourceType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseSourceType(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
