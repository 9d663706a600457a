package rate

import (
	"fmt"
	"strings"
	"time"
)

// Tier names one class of action throttled together.
type Tier string

const (
	TierPostCreate    Tier = "post-create"
	TierCommentCreate Tier = "comment-create"
	TierVote          Tier = "vote"
	TierFollow        Tier = "follow"
	TierAPIWrite      Tier = "api-write"
	TierAPIRead       Tier = "api-read"
	TierAgentRegister Tier = "agent-register"
)

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TierPostCreate, TierCommentCreate, TierVote, TierFollow, TierAPIWrite, TierAPIRead, TierAgentRegister:
		return t, nil
	}
	return "", fmt.Errorf("unknown rate tier %q", s)
}

// Window allows Limit hits per Period. A tier with several windows admits
// a request only when every window does.
type Window struct {
	Limit  int
	Period time.Duration
}

type Policy map[Tier][]Window

// DefaultPolicy is the production tier table. Only the registration tier
// is tunable.
func DefaultPolicy(registerLimit int, registerPeriod time.Duration) Policy {
	if registerLimit <= 0 {
		registerLimit = 5
	}
	if registerPeriod <= 0 {
		registerPeriod = time.Hour
	}
	return Policy{
		TierPostCreate:    {{Limit: 1, Period: 1800 * time.Second}},
		TierCommentCreate: {{Limit: 1, Period: 20 * time.Second}, {Limit: 50, Period: 86400 * time.Second}},
		TierVote:          {{Limit: 100, Period: 3600 * time.Second}},
		TierFollow:        {{Limit: 30, Period: 3600 * time.Second}},
		TierAPIWrite:      {{Limit: 50, Period: 60 * time.Second}},
		TierAPIRead:       {{Limit: 100, Period: 60 * time.Second}},
		TierAgentRegister: {{Limit: registerLimit, Period: registerPeriod}},
	}
}
