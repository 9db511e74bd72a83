package chatbot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QuotaLimitKind identifies which limit a quota check tripped on.
type QuotaLimitKind string

const (
	QuotaLimitMessages QuotaLimitKind = "messages"
	QuotaLimitTokens   QuotaLimitKind = "tokens"
)

// QuotaExceededError is returned by a pre-request quota check when the
// request would push the user past a configured limit. It is a normal
// outcome surfaced to the user as a notice, not an internal error.
type QuotaExceededError struct {
	// Kind is the limit that was hit.
	Kind QuotaLimitKind

	// Limit is the configured ceiling for that kind.
	Limit int

	// Shortfall is how far past the limit the request would land.
	Shortfall int

	// Remaining is the quota left before this request was considered.
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf(
		"quota exceeded: %s limit %d (remaining %d, shortfall %d)",
		e.Kind, e.Limit, e.Remaining, e.Shortfall,
	)
}

// UserMessage returns the plain-language notice sent back to the user.
func (e *QuotaExceededError) UserMessage() string {
	if e.Kind == QuotaLimitMessages {
		return fmt.Sprintf(
			"Sorry, your message quota (%d messages) would be exceeded. Please try again later.",
			e.Limit,
		)
	}
	return fmt.Sprintf(
		"Sorry, this request would exceed your remaining token quota (%d). "+
			"Please try a shorter message or wait for the quota to reset.",
		e.Remaining,
	)
}

// RoleQuotaPolicy is the per-role limit configuration resolved for a user.
// The char_* wire names are kept for compatibility with existing config
// files; the values measure estimated tokens, not characters.
type RoleQuotaPolicy struct {
	EnableMessageLimit    bool `json:"enable_message_limit" yaml:"enable_message_limit" mapstructure:"enable_message_limit"`
	MessageLimit          int  `json:"message_limit" yaml:"message_limit" mapstructure:"message_limit"`
	MessageRefreshMinutes int  `json:"message_refresh_minutes" yaml:"message_refresh_minutes" mapstructure:"message_refresh_minutes"`

	EnableTokenLimit    bool `json:"enable_char_limit" yaml:"enable_char_limit" mapstructure:"enable_char_limit"`
	TokenLimit          int  `json:"char_limit" yaml:"char_limit" mapstructure:"char_limit"`
	TokenRefreshMinutes int  `json:"char_refresh_minutes" yaml:"char_refresh_minutes" mapstructure:"char_refresh_minutes"`

	// TokenOutputBudget is headroom reserved for the not-yet-known response
	// length during pre-request checks. It is never added to the ledger;
	// only real accounted usage is.
	TokenOutputBudget int `json:"char_output_budget" yaml:"char_output_budget" mapstructure:"char_output_budget"`
}

// shortestRefresh returns the shortest refresh window among the enabled
// limits, and false when no limit is enabled (in which case usage never
// resets).
func (p RoleQuotaPolicy) shortestRefresh() (time.Duration, bool) {
	var shortest time.Duration
	var enabled bool
	consider := func(minutes int) {
		d := time.Duration(minutes) * time.Minute
		if !enabled || d < shortest {
			shortest = d
		}
		enabled = true
	}
	if p.EnableMessageLimit {
		consider(p.MessageRefreshMinutes)
	}
	if p.EnableTokenLimit {
		consider(p.TokenRefreshMinutes)
	}
	return shortest, enabled
}

// QuotaUsage is the per-user counter state for the current window.
// Counters only grow between resets; a reset zeroes both and stamps the
// reset time.
type QuotaUsage struct {
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
	Timestamp    time.Time `json:"timestamp"`
}

func (u QuotaUsage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("message_count", u.MessageCount),
		slog.Int("total_tokens", u.TotalTokens),
		slog.Time("timestamp", u.Timestamp),
	)
}

// QuotaLedger tracks sliding-window usage counters per user. All
// operations touching a single user's counters are serialized by a
// per-user lock created on demand, so two concurrent messages from the
// same user can't both pass a pre-request check on stale counts.
// Operations for different users don't contend.
type QuotaLedger struct {
	mu     sync.Mutex
	usage  map[string]*QuotaUsage
	locks  map[string]*sync.Mutex
	logger *slog.Logger

	// now is the clock, swappable in tests
	now func() time.Time
}

// NewQuotaLedger returns an empty ledger.
func NewQuotaLedger(logger *slog.Logger) *QuotaLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaLedger{
		usage:  map[string]*QuotaUsage{},
		locks:  map[string]*sync.Mutex{},
		logger: logger.With(loggerNameKey, "quota"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// userLock returns the mutex for a user, creating it on first use.
func (l *QuotaLedger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// GetOrInit returns the user's current usage, creating and storing a
// freshly zeroed record on first sight so concurrent readers observe it.
func (l *QuotaLedger) GetOrInit(userID string) QuotaUsage {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return *l.getOrInitLocked(userID)
}

func (l *QuotaLedger) getOrInitLocked(userID string) *QuotaUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	usage, ok := l.usage[userID]
	if !ok {
		usage = &QuotaUsage{Timestamp: l.now()}
		l.usage[userID] = usage
	}
	return usage
}

// maybeReset zeroes the usage in place when the shortest enabled refresh
// window has elapsed since the last activity timestamp. With no enabled
// limits the counters accumulate forever (kept for observability) and
// never reset. Caller must hold the user's lock.
func (l *QuotaLedger) maybeReset(userID string, usage *QuotaUsage, policy RoleQuotaPolicy) {
	shortest, enabled := policy.shortestRefresh()
	if !enabled {
		return
	}
	if l.now().Sub(usage.Timestamp) <= shortest {
		return
	}
	l.logger.Info(
		"usage quota reset",
		"user_id", userID,
		"previous", *usage,
	)
	usage.MessageCount = 0
	usage.TotalTokens = 0
	usage.Timestamp = l.now()
}

// CheckPreRequest evaluates whether a request with the given estimated
// input size fits inside the policy. It returns a *QuotaExceededError when
// it doesn't, and nil when it does (or when no limits are enabled). The
// check itself is pure; use Reserve for the atomic read-reset-check
// sequence.
func CheckPreRequest(
	usage QuotaUsage,
	policy RoleQuotaPolicy,
	estimatedInputTokens int,
) error {
	if policy.EnableMessageLimit && usage.MessageCount+1 > policy.MessageLimit {
		return &QuotaExceededError{
			Kind:      QuotaLimitMessages,
			Limit:     policy.MessageLimit,
			Remaining: policy.MessageLimit - usage.MessageCount,
			Shortfall: usage.MessageCount + 1 - policy.MessageLimit,
		}
	}
	if policy.EnableTokenLimit {
		projected := usage.TotalTokens + estimatedInputTokens + policy.TokenOutputBudget
		if projected > policy.TokenLimit {
			return &QuotaExceededError{
				Kind:      QuotaLimitTokens,
				Limit:     policy.TokenLimit,
				Remaining: policy.TokenLimit - usage.TotalTokens,
				Shortfall: projected - policy.TokenLimit,
			}
		}
	}
	return nil
}

// Reserve runs the full pre-request sequence - get-or-init, window reset,
// limit check - atomically under the user's lock. On success it returns
// the usage snapshot the decision was based on.
func (l *QuotaLedger) Reserve(
	userID string,
	policy RoleQuotaPolicy,
	estimatedInputTokens int,
) (QuotaUsage, error) {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	usage := l.getOrInitLocked(userID)
	l.maybeReset(userID, usage, policy)
	if err := CheckPreRequest(*usage, policy, estimatedInputTokens); err != nil {
		return *usage, err
	}
	return *usage, nil
}

// CommitPostRequest records the real cost of a completed request: one
// message, input+output tokens, and a refreshed activity timestamp. The
// timestamp refresh is what makes the reset window slide with activity
// rather than align to a calendar boundary.
func (l *QuotaLedger) CommitPostRequest(userID string, inputTokens, outputTokens int) QuotaUsage {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	usage := l.getOrInitLocked(userID)
	usage.MessageCount++
	usage.TotalTokens += inputTokens + outputTokens
	usage.Timestamp = l.now()

	l.logger.Info(
		"usage updated",
		"user_id", userID,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
		"usage", *usage,
	)
	return *usage
}
