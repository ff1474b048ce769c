package ratelimit

import (
	"fmt"
	"strings"
)

// KeyForDecision builds a limiter key for the resolved scope.
func KeyForDecision(subject string, decision Decision) string {
	subject = strings.TrimSpace(subject)
	if subject == "" || decision.Limit <= 0 {
		return ""
	}
	switch decision.Scope {
	case ScopeTenant:
		return fmt.Sprintf("t:%s", subject)
	case ScopeIP:
		return fmt.Sprintf("ip:%s", subject)
	default:
		return ""
	}
}
