package domain

import (
	"slices"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a game-server instance.
type Status string

const (
	StatusToSetup  Status = "TO_SETUP"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopped  Status = "STOPPED"
	StatusFailed   Status = "FAILED"
	StatusDeleted  Status = "DELETED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusToSetup, StatusStarting, StatusRunning, StatusStopped, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDeleted
}

// Startable lists the statuses a start job may move to STARTING from.
// STARTING itself is included so a redelivered job can resume its episode.
var Startable = []Status{StatusToSetup, StatusStopped, StatusFailed, StatusStarting}

// Stoppable lists the statuses an explicit stop request applies to.
var Stoppable = []Status{StatusRunning, StatusStarting, StatusFailed}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	switch to {
	case StatusStarting:
		return slices.Contains(Startable, from)
	case StatusRunning, StatusFailed:
		return from == StatusStarting
	case StatusStopped:
		return slices.Contains(Stoppable, from) || from == StatusStopped || from == StatusToSetup
	case StatusDeleted:
		return true
	}
	return false
}

// Properties are the user-facing server settings passed to the container
// as environment variables.
type Properties struct {
	MOTD         string `json:"motd"`
	LevelName    string `json:"levelName"`
	MaxPlayers   int    `json:"maxPlayers"`
	Difficulty   string `json:"difficulty"`
	ViewDistance int    `json:"viewDistance"`
}

// DefaultProperties mirrors the settings new servers get when the request
// leaves them empty.
func DefaultProperties() Properties {
	return Properties{
		MOTD:         "A simple server",
		LevelName:    "world",
		MaxPlayers:   20,
		Difficulty:   "easy",
		ViewDistance: 10,
	}
}

// WithDefaults fills zero fields from DefaultProperties.
func (p Properties) WithDefaults() Properties {
	def := DefaultProperties()
	if p.MOTD == "" {
		p.MOTD = def.MOTD
	}
	if p.LevelName == "" {
		p.LevelName = def.LevelName
	}
	if p.MaxPlayers == 0 {
		p.MaxPlayers = def.MaxPlayers
	}
	if p.Difficulty == "" {
		p.Difficulty = def.Difficulty
	}
	if p.ViewDistance == 0 {
		p.ViewDistance = def.ViewDistance
	}
	return p
}

// Validate rejects settings the server image would refuse or misread.
func (p Properties) Validate() error {
	switch p.Difficulty {
	case "", "peaceful", "easy", "normal", "hard":
	default:
		return ValidationError{Field: "difficulty", Msg: "must be peaceful, easy, normal or hard"}
	}
	if p.MaxPlayers < 0 || p.MaxPlayers > 1000 {
		return ValidationError{Field: "maxPlayers", Msg: "must not exceed 1000"}
	}
	if p.ViewDistance != 0 && (p.ViewDistance < 3 || p.ViewDistance > 32) {
		return ValidationError{Field: "viewDistance", Msg: "must be between 3 and 32"}
	}
	if strings.ContainsAny(p.LevelName, "/\\") {
		return ValidationError{Field: "levelName", Msg: "must not contain path separators"}
	}
	return nil
}

// Instance is one provisioned game server.
type Instance struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ContainerRef string     `json:"containerId"`
	Status       Status     `json:"status"`
	Port         int        `json:"port"`
	Version      string     `json:"version"`
	Properties   Properties `json:"properties"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Operator is one entry of a server's ops.json.
type Operator struct {
	UUID                string `json:"uuid"`
	Name                string `json:"name"`
	Level               int    `json:"level"`
	BypassesPlayerLimit bool   `json:"bypassesPlayerLimit"`
}

// ShortRef returns the abbreviated container id used in log lines.
func (i Instance) ShortRef() string {
	return ShortRef(i.ContainerRef)
}

// ShortRef truncates a container reference to the 12 characters docker prints.
func ShortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

// ContainerState is a point-in-time view of the backing container.
type ContainerState struct {
	Status     string    `json:"status"`
	Running    bool      `json:"running"`
	Paused     bool      `json:"paused"`
	Restarting bool      `json:"restarting"`
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}
