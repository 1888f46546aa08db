// Package pool keeps a set of refresh-token-backed credentials, picks the one that
// serves the next request, tracks consecutive failures and refreshes access tokens.
//
// All state lives behind a single RWMutex. Network calls (token exchange, event sinks)
// are made without holding it.
package pool

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/credential-pool/internal/errors"
	"github.com/credential-pool/internal/logging"
	"github.com/credential-pool/internal/types"
)

// TokenExchanger trades a refresh token for a new access token
type TokenExchanger interface {
	Refresh(ctx context.Context, req *types.RefreshRequest) (*types.RefreshedToken, error)
}

// Config holds pool construction parameters
type Config struct {
	Policy FailurePolicy
	// RefreshMargin is how long before expiry a token is treated as expired
	RefreshMargin time.Duration
	// RefreshTimeout bounds a single token exchange
	RefreshTimeout time.Duration
	// DefaultRegion is used for records without a region
	DefaultRegion string
	Exchanger     TokenExchanger
	Events        EventSink
	Logger        *logging.Logger
	// Now is overridable for tests
	Now func() time.Time
}

const (
	defaultRefreshMargin  = 60 * time.Second
	defaultRefreshTimeout = 30 * time.Second
)

type entry struct {
	cred     types.Credential
	lastUsed atomic.Int64 // unix nanos, stamped under the read lock
	stored   bool         // seen in the store by Load or Merge
}

// Pool is the credential pool
type Pool struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
	byToken map[string]uint64 // refresh tokens and their rotation aliases
	current uint64
	hasCur  bool
	nextID  uint64

	tracker        *FailureTracker
	exchanger      TokenExchanger
	events         EventSink
	logger         *logging.Logger
	refreshMargin  time.Duration
	refreshTimeout time.Duration
	defaultRegion  string
	now            func() time.Time

	flights singleflight.Group
}

// NewPool creates an empty pool
func NewPool(cfg *Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pool config is required")
	}
	if cfg.Exchanger == nil {
		return nil, fmt.Errorf("token exchanger is required")
	}

	tracker, err := NewFailureTracker(cfg.Policy)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		entries:        make(map[uint64]*entry),
		byToken:        make(map[string]uint64),
		nextID:         1,
		tracker:        tracker,
		exchanger:      cfg.Exchanger,
		events:         cfg.Events,
		logger:         cfg.Logger,
		refreshMargin:  cfg.RefreshMargin,
		refreshTimeout: cfg.RefreshTimeout,
		defaultRegion:  cfg.DefaultRegion,
		now:            cfg.Now,
	}
	if p.events == nil {
		p.events = NopSink{}
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	p.logger = p.logger.WithField("component", "pool")
	if p.refreshMargin <= 0 {
		p.refreshMargin = defaultRefreshMargin
	}
	if p.refreshTimeout <= 0 {
		p.refreshTimeout = defaultRefreshTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Acquire returns a handle on the current credential, refreshing its token first when
// it is expired, close to expiry, or of unknown expiry.
func (p *Pool) Acquire(ctx context.Context) (*types.CredentialHandle, error) {
	handle, err := p.acquireCurrent(ctx)
	if !errors.IsNotFound(err) {
		return handle, err
	}

	// the credential was removed while its refresh was in flight
	p.logger.Debug("current credential removed during acquire, reselecting")
	handle, err = p.acquireCurrent(ctx)
	if errors.IsNotFound(err) {
		p.mu.RLock()
		total := len(p.entries)
		p.mu.RUnlock()
		return nil, errors.NewPoolExhaustedError(total)
	}
	return handle, err
}

func (p *Pool) acquireCurrent(ctx context.Context) (*types.CredentialHandle, error) {
	p.mu.RLock()
	if !p.hasCur {
		total := len(p.entries)
		p.mu.RUnlock()
		return nil, errors.NewPoolExhaustedError(total)
	}
	id := p.current
	e := p.entries[id]
	handle := p.handleLocked(&e.cred)
	fresh := p.isFreshLocked(&e.cred)
	p.mu.RUnlock()

	var token *types.Token
	if !fresh {
		var err error
		if token, err = p.refresh(ctx, id); err != nil {
			return nil, err
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError(id)
	}
	e.lastUsed.Store(p.now().UnixNano())
	if token != nil {
		// a refresh may also have changed the profile ARN
		handle = p.handleLocked(&e.cred)
		handle.AccessToken = token.AccessToken
		handle.ExpiresAt = cloneTime(token.ExpiresAt)
	}
	return handle, nil
}

// Report records the outcome of using a credential. Unknown ids are logged and ignored.
func (p *Pool) Report(id uint64, outcome types.Outcome) {
	var events []Event

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		p.logger.WithCredential(id).WithField("outcome", outcome.String()).
			Warn("outcome reported for unknown credential")
		return
	}

	now := p.now().UTC()
	transition := p.tracker.Apply(&e.cred, outcome)
	if !outcome.Success {
		e.cred.LastFailureAt = &now
	}
	if transition != TransitionNone {
		e.cred.UpdatedAt = now
	}

	if transition == TransitionDisabled {
		events = append(events, NewEvent(EventAutoDisabled, id, map[string]interface{}{
			"failureCount": e.cred.FailureCount,
			"threshold":    p.tracker.Threshold(),
			"failureKind":  string(outcome.Failure),
		}))
		if ev := p.reselectLocked(); ev != nil {
			events = append(events, *ev)
		}
	}
	failureCount := e.cred.FailureCount
	p.mu.Unlock()

	if transition == TransitionDisabled {
		p.logger.WithCredential(id).WithFields(map[string]interface{}{
			"failureCount": failureCount,
			"failureKind":  string(outcome.Failure),
		}).Warn("credential auto-disabled")
	}
	p.emit(events)
}

// Add inserts a new enabled credential and returns its id
func (p *Pool) Add(nc types.NewCredential) (uint64, error) {
	if err := validateNew(&nc); err != nil {
		return 0, err
	}

	var events []Event

	p.mu.Lock()
	if existing, ok := p.byToken[nc.Tokens.RefreshToken]; ok {
		p.mu.Unlock()
		return 0, errors.NewDuplicateCredentialError(existing)
	}

	now := p.now().UTC()
	id := p.nextID
	p.nextID++

	e := &entry{cred: types.Credential{
		ID:           id,
		Priority:     nc.Priority,
		AuthMethod:   nc.AuthMethod,
		Tokens:       nc.Tokens,
		ClientID:     nc.ClientID,
		ClientSecret: nc.ClientSecret,
		ProfileARN:   nc.ProfileARN,
		ExpiresAt:    cloneTime(nc.ExpiresAt),
		Metadata:     nc.Metadata.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	p.entries[id] = e
	p.byToken[nc.Tokens.RefreshToken] = id

	events = append(events, NewEvent(EventAdded, id, map[string]interface{}{
		"priority":   nc.Priority,
		"authMethod": string(nc.AuthMethod),
	}))
	if ev := p.reselectLocked(); ev != nil {
		events = append(events, *ev)
	}
	p.mu.Unlock()

	p.logger.WithCredential(id).WithFields(map[string]interface{}{
		"priority":     nc.Priority,
		"authMethod":   string(nc.AuthMethod),
		"refreshToken": logging.Redact(nc.Tokens.RefreshToken),
	}).Info("credential added")
	p.emit(events)

	return id, nil
}

// Remove deletes a credential and its dedup keys
func (p *Pool) Remove(id uint64) error {
	var events []Event

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return errors.NewNotFoundError(id)
	}

	delete(p.entries, id)
	p.unindexLocked(&e.cred)

	events = append(events, NewEvent(EventRemoved, id, nil))
	if ev := p.reselectLocked(); ev != nil {
		events = append(events, *ev)
	}
	p.mu.Unlock()

	p.logger.WithCredential(id).Info("credential removed")
	p.emit(events)
	return nil
}

// SetDisabled is the operator override of the disabled flag.
// Re-enabling clears the failure count.
func (p *Pool) SetDisabled(id uint64, disabled bool) error {
	return p.mutate(id, func(c *types.Credential) {
		c.Disabled = disabled
		if !disabled {
			c.FailureCount = 0
		}
	})
}

// SetPriority is the operator override of the priority
func (p *Pool) SetPriority(id uint64, priority uint32) error {
	return p.mutate(id, func(c *types.Credential) {
		c.Priority = priority
	})
}

func (p *Pool) mutate(id uint64, fn func(c *types.Credential)) error {
	var ev *Event

	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return errors.NewNotFoundError(id)
	}
	fn(&e.cred)
	e.cred.UpdatedAt = p.now().UTC()
	ev = p.reselectLocked()
	p.mu.Unlock()

	if ev != nil {
		p.emit([]Event{*ev})
	}
	return nil
}

// UpdateMetadata merges descriptive metadata into a credential. Empty fields in meta
// leave the stored value alone. Priority, disabled and failure count are never touched.
func (p *Pool) UpdateMetadata(id uint64, meta types.CredentialMetadata) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return false, errors.NewNotFoundError(id)
	}

	merged := mergeMetadata(e.cred.Metadata, meta)
	if metadataEqual(e.cred.Metadata, merged) {
		return false, nil
	}
	e.cred.Metadata = merged
	e.cred.UpdatedAt = p.now().UTC()
	return true, nil
}

// FindByRefreshToken looks up a credential by its refresh token or a rotated alias
func (p *Pool) FindByRefreshToken(token string) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.byToken[strings.TrimSpace(token)]
	return id, ok
}

// Snapshot returns a point-in-time status view sorted by id
func (p *Pool) Snapshot() *types.StatusReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	report := &types.StatusReport{
		Total:       len(p.entries),
		Credentials: make([]types.CredentialView, 0, len(p.entries)),
	}
	if p.hasCur {
		cur := p.current
		report.CurrentID = &cur
	}

	for _, e := range p.entries {
		c := &e.cred
		if !c.Disabled {
			report.Available++
		}
		var tags []string
		if c.Metadata.Tags != nil {
			tags = append([]string(nil), c.Metadata.Tags...)
		}
		report.Credentials = append(report.Credentials, types.CredentialView{
			ID:            c.ID,
			Priority:      c.Priority,
			Disabled:      c.Disabled,
			FailureCount:  c.FailureCount,
			IsCurrent:     p.hasCur && p.current == c.ID,
			ExpiresAt:     cloneTime(c.ExpiresAt),
			AuthMethod:    c.AuthMethod,
			HasProfileARN: c.ProfileARN != "",
			Email:         c.Metadata.Email,
			Nickname:      c.Metadata.Nickname,
			Provider:      c.Metadata.Provider,
			Region:        c.Metadata.Region,
			Tags:          tags,
			Status:        c.Metadata.Status,
			LastUsedAt:    e.lastUsedTime(),
			LastFailureAt: cloneTime(c.LastFailureAt),
		})
	}

	sort.Slice(report.Credentials, func(i, j int) bool {
		return report.Credentials[i].ID < report.Credentials[j].ID
	})
	return report
}

// Get returns a deep copy of one record
func (p *Pool) Get(id uint64) (types.Credential, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[id]
	if !ok {
		return types.Credential{}, errors.NewNotFoundError(id)
	}
	c := e.cred.Clone()
	c.LastUsedAt = e.lastUsedTime()
	return c, nil
}

// Records returns deep copies of every record sorted by id, for persistence
func (p *Pool) Records() []types.Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		c := e.cred.Clone()
		c.LastUsedAt = e.lastUsedTime()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load replaces the record set with persisted records. Ids are kept; new ids continue
// after the highest loaded id and never go backwards.
func (p *Pool) Load(records []types.Credential) error {
	entries := make(map[uint64]*entry, len(records))
	byToken := make(map[string]uint64, len(records))
	var maxID uint64

	for i := range records {
		c := records[i].Clone()
		if c.ID == 0 {
			return errors.NewInvalidRequestError("id", fmt.Sprintf("record %d has no id", i))
		}
		if _, dup := entries[c.ID]; dup {
			return errors.NewInvalidRequestError("id", fmt.Sprintf("duplicate id %d", c.ID))
		}
		if strings.TrimSpace(c.Tokens.RefreshToken) == "" {
			return errors.NewInvalidRequestError("refreshToken", fmt.Sprintf("record %d has no refresh token", c.ID))
		}
		if c.AuthMethod == "" {
			c.AuthMethod = types.AuthMethodSocial
		}
		for _, key := range tokenKeys(&c) {
			if other, dup := byToken[key]; dup {
				return errors.NewInvalidRequestError("refreshToken",
					fmt.Sprintf("records %d and %d share a refresh token", other, c.ID))
			}
			byToken[key] = c.ID
		}

		e := &entry{cred: c, stored: true}
		if c.LastUsedAt != nil {
			e.lastUsed.Store(c.LastUsedAt.UnixNano())
		}
		e.cred.LastUsedAt = nil
		entries[c.ID] = e
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	var ev *Event
	p.mu.Lock()
	p.entries = entries
	p.byToken = byToken
	if maxID+1 > p.nextID {
		p.nextID = maxID + 1
	}
	p.hasCur = false
	ev = p.reselectLocked()
	p.mu.Unlock()

	p.logger.WithField("count", len(records)).Info("credentials loaded")
	if ev != nil {
		p.emit([]Event{*ev})
	}
	return nil
}

// MergeResult counts the changes Merge applied
type MergeResult struct {
	Added   int
	Updated int
	Removed int
}

// Changed reports whether the merge touched the pool
func (r MergeResult) Changed() bool {
	return r.Added+r.Updated+r.Removed > 0
}

// Merge folds a record set written by another process into the pool.
// A stored record replaces the in-memory one only when its UpdatedAt is later. A record
// missing from the set is dropped when the store had it before; records added here and
// not saved yet are kept. Stored records whose refresh tokens belong to another
// credential are skipped.
func (p *Pool) Merge(records []types.Credential) MergeResult {
	var res MergeResult

	incoming := make(map[uint64]types.Credential, len(records))
	for i := range records {
		c := records[i].Clone()
		if c.ID == 0 || strings.TrimSpace(c.Tokens.RefreshToken) == "" {
			p.logger.WithCredential(c.ID).Warn("skipping invalid stored credential")
			continue
		}
		if c.AuthMethod == "" {
			c.AuthMethod = types.AuthMethodSocial
		}
		incoming[c.ID] = c
	}

	p.mu.Lock()
	for id, e := range p.entries {
		if _, ok := incoming[id]; ok || !e.stored {
			continue
		}
		delete(p.entries, id)
		p.unindexLocked(&e.cred)
		res.Removed++
	}

	ids := make([]uint64, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := incoming[id]
		if id >= p.nextID {
			p.nextID = id + 1
		}
		lastUsed := c.LastUsedAt
		c.LastUsedAt = nil

		e, exists := p.entries[id]
		if exists {
			e.stored = true
			e.touch(lastUsed)
			if !c.UpdatedAt.After(e.cred.UpdatedAt) {
				continue
			}
			keepLocalTokens(&c, &e.cred)
		}
		if owner, taken := p.tokenOwnerLocked(&c); taken {
			p.logger.WithCredential(id).WithField("owner", owner).
				Warn("stored credential shares a refresh token with another credential, skipping")
			continue
		}

		if exists {
			p.unindexLocked(&e.cred)
			res.Updated++
		} else {
			e = &entry{stored: true}
			e.touch(lastUsed)
			p.entries[id] = e
			res.Added++
		}
		e.cred = c
		for _, key := range tokenKeys(&e.cred) {
			p.byToken[key] = id
		}
	}

	ev := p.reselectLocked()
	p.mu.Unlock()

	if res.Changed() {
		p.logger.WithFields(map[string]interface{}{
			"added":   res.Added,
			"updated": res.Updated,
			"removed": res.Removed,
		}).Info("merged stored credentials")
	}
	if ev != nil {
		p.emit([]Event{*ev})
	}
	return res
}

// keepLocalTokens stops a stored copy from rolling back a token exchange made in this
// process: the copy still carries a refresh token rotated away from here, or the same
// refresh token with an earlier expiry.
func keepLocalTokens(stored, local *types.Credential) {
	rolledBack := stored.Tokens.RefreshToken != local.Tokens.RefreshToken &&
		slices.Contains(local.RefreshTokenAliases, stored.Tokens.RefreshToken)
	older := stored.Tokens.RefreshToken == local.Tokens.RefreshToken &&
		local.ExpiresAt != nil && (stored.ExpiresAt == nil || local.ExpiresAt.After(*stored.ExpiresAt))
	if !rolledBack && !older {
		return
	}

	stored.Tokens = local.Tokens
	stored.ExpiresAt = cloneTime(local.ExpiresAt)
	stored.RefreshTokenAliases = append([]string(nil), local.RefreshTokenAliases...)
	if local.ProfileARN != "" {
		stored.ProfileARN = local.ProfileARN
	}
}

// tokenOwnerLocked returns another credential already holding one of c's refresh tokens
func (p *Pool) tokenOwnerLocked(c *types.Credential) (uint64, bool) {
	for _, key := range tokenKeys(c) {
		if owner, ok := p.byToken[key]; ok && owner != c.ID {
			return owner, true
		}
	}
	return 0, false
}

// reselectLocked recomputes the current credential. It returns a selection event when
// the current credential changed. The caller holds the write lock.
func (p *Pool) reselectLocked() *Event {
	records := make([]*types.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		records = append(records, &e.cred)
	}

	id, ok := Select(records)
	if ok == p.hasCur && id == p.current {
		return nil
	}

	previous, hadPrevious := p.current, p.hasCur
	p.current, p.hasCur = id, ok

	data := map[string]interface{}{}
	if hadPrevious {
		data["previousId"] = previous
	}
	if !ok {
		data["exhausted"] = true
		p.logger.WithFields(data).Warn("no enabled credential left")
		ev := NewEvent(EventSelected, 0, data)
		return &ev
	}

	p.logger.WithCredential(id).WithFields(data).Info("current credential changed")
	ev := NewEvent(EventSelected, id, data)
	return &ev
}

func (p *Pool) unindexLocked(c *types.Credential) {
	for _, key := range tokenKeys(c) {
		if p.byToken[key] == c.ID {
			delete(p.byToken, key)
		}
	}
}

func (p *Pool) handleLocked(c *types.Credential) *types.CredentialHandle {
	return &types.CredentialHandle{
		ID:          c.ID,
		AccessToken: c.Tokens.AccessToken,
		AuthMethod:  c.AuthMethod,
		Region:      p.regionOf(c),
		ProfileARN:  c.ProfileARN,
		ExpiresAt:   cloneTime(c.ExpiresAt),
	}
}

func (p *Pool) regionOf(c *types.Credential) string {
	if c.Metadata.Region != "" {
		return c.Metadata.Region
	}
	return p.defaultRegion
}

func (p *Pool) emit(events []Event) {
	for _, ev := range events {
		if err := p.events.Publish(context.Background(), ev); err != nil {
			p.logger.WithError(err).WithField("eventType", string(ev.Type)).Warn("failed to publish pool event")
		}
	}
}

// touch moves the usage stamp forward to t
func (e *entry) touch(t *time.Time) {
	if t != nil && t.UnixNano() > e.lastUsed.Load() {
		e.lastUsed.Store(t.UnixNano())
	}
}

func (e *entry) lastUsedTime() *time.Time {
	nanos := e.lastUsed.Load()
	if nanos == 0 {
		return nil
	}
	t := time.Unix(0, nanos).UTC()
	return &t
}

func validateNew(nc *types.NewCredential) error {
	nc.Tokens.RefreshToken = strings.TrimSpace(nc.Tokens.RefreshToken)
	if nc.Tokens.RefreshToken == "" {
		return errors.NewInvalidRequestError("refreshToken", "refresh token is required")
	}

	if nc.AuthMethod == "" {
		nc.AuthMethod = types.AuthMethodSocial
	}
	method, ok := types.ParseAuthMethod(string(nc.AuthMethod))
	if !ok {
		return errors.NewInvalidRequestError("authMethod", fmt.Sprintf("unsupported auth method %q", nc.AuthMethod))
	}
	nc.AuthMethod = method

	if method.RequiresClientCredentials() {
		if strings.TrimSpace(nc.ClientID) == "" {
			return errors.NewInvalidRequestError("clientId", "required for idc credentials")
		}
		if strings.TrimSpace(nc.ClientSecret) == "" {
			return errors.NewInvalidRequestError("clientSecret", "required for idc credentials")
		}
	}
	return nil
}

func tokenKeys(c *types.Credential) []string {
	keys := make([]string, 0, 1+len(c.RefreshTokenAliases))
	keys = append(keys, c.Tokens.RefreshToken)
	for _, alias := range c.RefreshTokenAliases {
		if alias != "" && alias != c.Tokens.RefreshToken {
			keys = append(keys, alias)
		}
	}
	return keys
}

func mergeMetadata(current, incoming types.CredentialMetadata) types.CredentialMetadata {
	out := current.Clone()
	if incoming.Email != "" {
		out.Email = incoming.Email
	}
	if incoming.UserID != "" {
		out.UserID = incoming.UserID
	}
	if incoming.Nickname != "" {
		out.Nickname = incoming.Nickname
	}
	if incoming.Provider != "" {
		out.Provider = incoming.Provider
	}
	if incoming.Region != "" {
		out.Region = incoming.Region
	}
	if incoming.Status != "" {
		out.Status = incoming.Status
	}
	if len(incoming.Tags) > 0 {
		out.Tags = append([]string(nil), incoming.Tags...)
	}
	if len(incoming.Subscription) > 0 {
		out.Subscription = append([]byte(nil), incoming.Subscription...)
	}
	if len(incoming.Usage) > 0 {
		out.Usage = append([]byte(nil), incoming.Usage...)
	}
	return out
}

func metadataEqual(a, b types.CredentialMetadata) bool {
	if a.Email != b.Email || a.UserID != b.UserID || a.Nickname != b.Nickname ||
		a.Provider != b.Provider || a.Region != b.Region || a.Status != b.Status {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return bytes.Equal(a.Subscription, b.Subscription) && bytes.Equal(a.Usage, b.Usage)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
