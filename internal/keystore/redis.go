package keystore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotationSetKey     = "rotation_keys"
	rotationCounterKey = "rotation_counter"
	keyStatePrefix     = "key_state:"

	// allGroupsSentinel names the rotation set holding every known
	// credential regardless of group, used when no group filter is given.
	allGroupsSentinel = "__default_all_keys__"
)

// RedisStore is the external Key Store backend, sharing rotation state
// across proxy instances via a Redis server.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	testMode  bool
}

// RedisOptions configures RedisStore construction.
type RedisOptions struct {
	Addr            string
	KeyPrefix       string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	TestMode        bool
}

// NewRedisStore dials Redis and returns a Store. It does not itself perform
// initialization — call InitializeKeys (idempotent) once connected.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "gemini_proxy:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		MaxRetries:      opts.MaxRetries,
		MinRetryBackoff: opts.MinRetryBackoff,
		MaxRetryBackoff: opts.MaxRetryBackoff,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}

	return &RedisStore{client: client, keyPrefix: prefix, testMode: opts.TestMode}, nil
}

// NewRedisStoreWithClient wraps an already-constructed client, used by tests
// to point at a miniredis instance.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, testMode bool) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "gemini_proxy:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, testMode: testMode}
}

func (r *RedisStore) pk(parts ...string) string {
	return r.keyPrefix + strings.Join(parts, "")
}

func (r *RedisStore) rotationSetFor(group string) string {
	if group == "" {
		group = allGroupsSentinel
	}
	return r.pk(rotationSetKey, ":", group)
}

func (r *RedisStore) rotationCounterFor(group string) string {
	if group == "" {
		group = allGroupsSentinel
	}
	return r.pk(rotationCounterKey, ":", group)
}

func (r *RedisStore) stateKey(credential string) string {
	return r.pk(keyStatePrefix, credential)
}

// InitializeKeys performs an idempotent, test-mode-gated bootstrap: in
// test_mode it first deletes the state record of every credential in the
// all-groups rotation set, that set, and the rotation sets and counters of
// the groups being seeded (named keys only, no pattern scan), then seeds
// fresh state only if the rotation set is still empty, so
// repeated process restarts against a warm Redis never clobber live health
// state.
func (r *RedisStore) InitializeKeys(ctx context.Context, groupCredentials map[string][]string) error {
	if r.testMode {
		if err := r.clearForTestMode(ctx, groupCredentials); err != nil {
			return err
		}
	}

	allSet := r.rotationSetFor("")
	count, err := r.client.SCard(ctx, allSet).Result()
	if err != nil {
		return fmt.Errorf("%w: scard %s: %v", ErrUnavailable, allSet, err)
	}
	if count > 0 {
		return nil
	}

	return r.seed(ctx, groupCredentials)
}

func (r *RedisStore) seed(ctx context.Context, groupCredentials map[string][]string) error {
	pipe := r.client.TxPipeline()

	for group, creds := range groupCredentials {
		if len(creds) == 0 {
			continue
		}
		members := make([]interface{}, len(creds))
		for i, c := range creds {
			members[i] = c
		}
		pipe.SAdd(ctx, r.rotationSetFor(group), members...)
		pipe.SAdd(ctx, r.rotationSetFor(""), members...)

		for _, c := range creds {
			pipe.HSet(ctx, r.stateKey(c), map[string]interface{}{
				"group":                group,
				"blocked":              "false",
				"consecutive_failures": "0",
				"total_failures":       "0",
				"total_successes":      "0",
			})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: seed: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) clearForTestMode(ctx context.Context, groupCredentials map[string][]string) error {
	allSet := r.rotationSetFor("")
	members, err := r.client.SMembers(ctx, allSet).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: smembers %s: %v", ErrUnavailable, allSet, err)
	}

	pipe := r.client.TxPipeline()
	for _, m := range members {
		pipe.Del(ctx, r.stateKey(m))
	}
	pipe.Del(ctx, allSet)
	for group := range groupCredentials {
		pipe.Del(ctx, r.rotationSetFor(group))
		pipe.Del(ctx, r.rotationCounterFor(group))
	}
	pipe.Del(ctx, r.rotationCounterFor(""))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: clear test mode: %v", ErrUnavailable, err)
	}
	return nil
}

// ReconcileKeys adds newly-configured credentials to the rotation sets and
// removes ones no longer configured, without touching KeyState for
// credentials present in both old and new membership.
func (r *RedisStore) ReconcileKeys(ctx context.Context, groupCredentials map[string][]string) error {
	keep := make(map[string]bool)
	for _, creds := range groupCredentials {
		for _, c := range creds {
			keep[c] = true
		}
	}

	existing, err := r.client.SMembers(ctx, r.rotationSetFor("")).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: smembers: %v", ErrUnavailable, err)
	}

	pipe := r.client.TxPipeline()
	for _, c := range existing {
		if !keep[c] {
			pipe.Del(ctx, r.stateKey(c))
			pipe.SRem(ctx, r.rotationSetFor(""), c)
		}
	}
	for group, creds := range groupCredentials {
		groupSet := r.rotationSetFor(group)
		pipe.Del(ctx, groupSet)
		for _, c := range creds {
			pipe.SAdd(ctx, groupSet, c)
			pipe.SAdd(ctx, r.rotationSetFor(""), c)
			pipe.HSetNX(ctx, r.stateKey(c), "group", group)
			pipe.HSetNX(ctx, r.stateKey(c), "blocked", "false")
			pipe.HSetNX(ctx, r.stateKey(c), "consecutive_failures", "0")
			pipe.HSetNX(ctx, r.stateKey(c), "total_failures", "0")
			pipe.HSetNX(ctx, r.stateKey(c), "total_successes", "0")
			pipe.HSet(ctx, r.stateKey(c), "group", group)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: reconcile: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) CandidateKeys(ctx context.Context, groupName string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.rotationSetFor(groupName)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: smembers: %v", ErrUnavailable, err)
	}
	sort.Strings(members)
	return members, nil
}

func (r *RedisStore) NextRotationIndex(ctx context.Context, groupName string) (uint64, error) {
	n, err := r.client.Incr(ctx, r.rotationCounterFor(groupName)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr: %v", ErrUnavailable, err)
	}
	// INCR starts at 1; callers want a zero-based cursor.
	return uint64(n - 1), nil
}

func (r *RedisStore) RecordFailure(ctx context.Context, credential string, isTerminal bool, maxConsecutiveFailures int) error {
	key := r.stateKey(credential)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		return ErrUnknownCredential
	}

	pipe := r.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "consecutive_failures", 1)
	pipe.HIncrBy(ctx, key, "total_failures", 1)
	pipe.HSet(ctx, key, "last_failure", time.Now().Format(time.RFC3339))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: record failure: %v", ErrUnavailable, err)
	}

	if isTerminal || int(incr.Val()) >= maxConsecutiveFailures {
		if err := r.client.HSet(ctx, key, "blocked", "true").Err(); err != nil {
			return fmt.Errorf("%w: block: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (r *RedisStore) RecordSuccess(ctx context.Context, credential string) error {
	key := r.stateKey(credential)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		return ErrUnknownCredential
	}

	if err := r.client.HSet(ctx, key, map[string]interface{}{
		"consecutive_failures": "0",
		"last_success":         time.Now().Format(time.RFC3339),
	}).Err(); err != nil {
		return fmt.Errorf("%w: record success: %v", ErrUnavailable, err)
	}
	return r.client.HIncrBy(ctx, key, "total_successes", 1).Err()
}

// SetCooldown rate-limits credential by giving its state record a TTL equal
// to duration, rather than stamping an expiry field: once the record
// expires, the credential is unknown until reconciled back in, which
// naturally restores availability without a separate cooldown check on read.
func (r *RedisStore) SetCooldown(ctx context.Context, credential string, duration time.Duration) error {
	key := r.stateKey(credential)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		return ErrUnknownCredential
	}

	if err := r.client.HSet(ctx, key, "blocked", "true").Err(); err != nil {
		return fmt.Errorf("%w: set cooldown: %v", ErrUnavailable, err)
	}
	if err := r.client.Expire(ctx, key, duration).Err(); err != nil {
		return fmt.Errorf("%w: set cooldown ttl: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) ResetKey(ctx context.Context, credential string) error {
	key := r.stateKey(credential)
	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: exists: %v", ErrUnavailable, err)
	}
	if exists == 0 {
		return ErrUnknownCredential
	}

	if err := r.client.HSet(ctx, key, map[string]interface{}{
		"blocked":              "false",
		"consecutive_failures": "0",
	}).Err(); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrUnavailable, err)
	}
	if err := r.client.Persist(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: clear cooldown ttl: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) GetKeyState(ctx context.Context, credential string) (KeyState, error) {
	key := r.stateKey(credential)
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return KeyState{}, fmt.Errorf("%w: hgetall: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return KeyState{}, ErrUnknownCredential
	}

	state := parseKeyState(credential, fields)
	if ttl, err := r.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		state.CooldownUntil = time.Now().Add(ttl)
	}
	return state, nil
}

func (r *RedisStore) GetAllKeyStates(ctx context.Context) ([]KeyState, error) {
	creds, err := r.CandidateKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	out := make([]KeyState, 0, len(creds))
	for _, c := range creds {
		state, err := r.GetKeyState(ctx, c)
		if err != nil {
			if err == ErrUnknownCredential {
				continue
			}
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func parseKeyState(credential string, fields map[string]string) KeyState {
	state := KeyState{Credential: credential, Group: fields["group"]}
	state.Blocked = fields["blocked"] == "true"
	state.ConsecutiveFailures = atoiOr(fields["consecutive_failures"], 0)
	state.TotalFailures = int64(atoiOr(fields["total_failures"], 0))
	state.TotalSuccesses = int64(atoiOr(fields["total_successes"], 0))
	if t, ok := parseRFC3339(fields["last_failure"]); ok {
		state.LastFailure = t
	}
	if t, ok := parseRFC3339(fields["last_success"]); ok {
		state.LastSuccess = t
	}
	return state
}

func parseRFC3339(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
