// Package miner runs the channel points monitoring loop: it keeps a
// per-streamer state machine fed by the PubSub feed and periodic GraphQL
// polls, claims bonuses, simulates watch time for a bounded set of live
// streamers, and records everything into the durable event store.
package miner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/twitch"
)

const (
	// PubSub carries the real-time events, so the GQL context poll only
	// needs to run occasionally.
	tickInterval         = 30 * time.Minute
	minuteWatchedEvery   = 20 * time.Second
	maxWatchedStreamers  = 2
	watchGracePeriod     = 30 * time.Second
	offlineCheckDebounce = time.Minute
	streamUpConfirmDelay = 2 * time.Minute
	staleMetadataAfter   = 10 * time.Minute
	dedupWindow          = 500 * time.Millisecond
)

// TwitchAPI is the GraphQL and playback surface the miner consumes.
type TwitchAPI interface {
	SetAuthToken(token string)
	SetDeviceID(deviceID string)
	GetUserID(ctx context.Context, login string) string
	GetStreamInfo(ctx context.Context, login string) *twitch.StreamInfo
	GetChannelPointsContext(ctx context.Context, login string) *twitch.ChannelPointsContext
	ClaimBonus(ctx context.Context, channelID, claimID string) twitch.ClaimResult
	GetPlaybackAccessToken(ctx context.Context, login string) *twitch.PlaybackToken
	FetchLowestQualityStreamURL(ctx context.Context, login string, token *twitch.PlaybackToken) string
	GetSpadeURL(ctx context.Context, login string) string
	SendMinuteWatched(ctx context.Context, spadeURL, payload string) bool
}

// PushFeed is the persistent PubSub connection the miner subscribes through.
type PushFeed interface {
	SetAuthToken(token string)
	OnMessage(handler twitch.MessageHandler)
	OnConnected(fn func())
	OnDisconnected(fn func())
	Connect() error
	Disconnect()
	Listen(topic string, requiresAuth bool) error
	IsConnected() bool
}

// Authenticator exposes the stored credentials and token validation.
type Authenticator interface {
	AuthToken() string
	DeviceID() string
	UserID() string
	ValidateToken(ctx context.Context) (bool, error)
	Logout()
	Status() twitch.AuthStatus
}

// StreamerSource yields the configured streamer logins in priority order.
type StreamerSource interface {
	Streamers() []string
}

// Service orchestrates the monitoring run. All mutable state is guarded by
// mu; PubSub handlers, timer ticks and the HTTP-facing accessors each take
// the lock for the duration of their turn, so handlers never interleave.
type Service struct {
	api      TwitchAPI
	pubsub   PushFeed
	auth     Authenticator
	source   StreamerSource
	store    domain.EventStore
	clock    clockwork.Clock
	baseCtx  context.Context
	stopLoop context.CancelFunc

	mu              sync.Mutex
	starting        bool
	running         bool
	startedAt       time.Time
	tickCount       int
	lastTick        time.Time
	userID          string
	states          map[string]*domain.StreamerState
	watchedLogins   map[string]struct{}
	lastStartResult *domain.StartResult
	dedup           messageDedup
}

type messageDedup struct {
	lastTimestamp  time.Time
	lastIdentifier string
}

// New creates a stopped miner service.
func New(api TwitchAPI, pubsub PushFeed, auth Authenticator, source StreamerSource, store domain.EventStore, clock clockwork.Clock) *Service {
	return &Service{
		api:           api,
		pubsub:        pubsub,
		auth:          auth,
		source:        source,
		store:         store,
		clock:         clock,
		states:        make(map[string]*domain.StreamerState),
		watchedLogins: make(map[string]struct{}),
	}
}

func (s *Service) setStartResult(result domain.StartResult) domain.StartResult {
	s.lastStartResult = &result
	return result
}

// Start brings up a monitoring run: validates the token, connects PubSub,
// registers streamers, subscribes topics, seeds live status and launches the
// context refresh and minute-watched loops. Every failure path reports a
// typed reason so the HTTP layer can map it to a status code.
func (s *Service) Start(ctx context.Context) domain.StartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.starting {
		slog.Info("Miner already running")
		return s.setStartResult(domain.StartResult{
			Success: true,
			Reason:  domain.StartReasonAlreadyRunning,
			Message: "Miner is already running",
		})
	}

	authToken := s.auth.AuthToken()
	if authToken == "" {
		slog.Warn("Cannot start miner, no auth token configured")
		return s.setStartResult(domain.StartResult{
			Reason:  domain.StartReasonMissingToken,
			Message: "Missing Twitch auth token",
		})
	}

	s.starting = true
	s.api.SetAuthToken(authToken)
	s.api.SetDeviceID(s.auth.DeviceID())
	s.pubsub.SetAuthToken(authToken)

	valid, err := s.auth.ValidateToken(ctx)
	if err != nil {
		slog.Warn("Token validation failed", "error", err)
	}
	if !valid {
		slog.Warn("Cannot start miner, invalid auth token")
		s.auth.Logout()
		s.starting = false
		return s.setStartResult(domain.StartResult{
			Reason:  domain.StartReasonInvalidToken,
			Message: "Invalid Twitch auth token",
		})
	}

	s.userID = s.auth.UserID()
	s.store.StartRun(ctx, domain.RunInfo{
		StartReason: string(domain.StartReasonStarted),
		UserID:      s.userID,
		Username:    s.auth.Status().Username,
	})

	s.running = true
	s.startedAt = s.clock.Now()
	s.tickCount = 0

	s.pubsub.OnMessage(s.handlePubSubMessage)
	s.pubsub.OnConnected(func() { slog.Debug("PubSub connected") })
	s.pubsub.OnDisconnected(func() { slog.Debug("PubSub disconnected") })

	if err := s.pubsub.Connect(); err != nil {
		slog.Error("Failed to connect to PubSub", "error", err)
		s.cleanupFailedStart(ctx)
		return s.setStartResult(domain.StartResult{
			Reason:  domain.StartReasonPubSubConnectFailed,
			Message: "Failed to connect to Twitch PubSub",
		})
	}

	if err := s.setupStreamers(ctx); err != nil {
		slog.Error("Failed to finish miner startup", "error", err)
		s.cleanupFailedStart(ctx)
		return s.setStartResult(domain.StartResult{
			Reason:  domain.StartReasonStartFailed,
			Message: "Miner startup failed",
		})
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.baseCtx = loopCtx
	s.stopLoop = cancel

	go s.tickLoop(loopCtx)
	go s.minuteWatchedLoop(loopCtx)

	slog.Info("Started monitoring streamers", "streamer_count", len(s.states))
	s.starting = false
	return s.setStartResult(domain.StartResult{
		Success: true,
		Reason:  domain.StartReasonStarted,
		Message: "Miner started",
	})
}

// setupStreamers runs the startup sequence after PubSub is connected. Called
// with mu held.
func (s *Service) setupStreamers(ctx context.Context) error {
	slog.Info("Setting up streamers")

	if err := s.syncStreamers(ctx); err != nil {
		return err
	}
	s.subscribePointsTopic(ctx)

	for _, state := range s.states {
		if state.ChannelID != "" {
			s.subscribeStreamer(ctx, state)
		}
	}

	// seed initial live status and stream metadata via the API
	slog.Info("Fetching initial stream info")
	for _, state := range s.states {
		if state.ChannelID != "" {
			s.checkStreamerOnline(ctx, state)
		}
	}

	slog.Info("Starting context refresh loop")
	s.tickLocked(ctx)
	return nil
}

// Stop tears down the run: stops both loops, closes any open watch markers,
// disconnects PubSub and closes the open run row.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		slog.Info("Miner not running")
		return
	}
	s.shutdownLocked(ctx, "stopped")
	slog.Info("Miner stopped")
}

// cleanupFailedStart rolls a half-started run back to the stopped state.
// Called with mu held.
func (s *Service) cleanupFailedStart(ctx context.Context) {
	s.shutdownLocked(ctx, "startup_failed")
}

func (s *Service) shutdownLocked(ctx context.Context, stopReason string) {
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}

	s.persistWatchTransitions(ctx, nil)
	s.pubsub.Disconnect()
	s.store.StopRun(ctx, stopReason)

	s.starting = false
	s.running = false
	s.startedAt = time.Time{}
	s.userID = ""
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.mu.Lock()
			if s.running {
				s.tickLocked(ctx)
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// tickLocked refreshes the configured streamer set and every streamer's
// channel points context. Called with mu held.
func (s *Service) tickLocked(ctx context.Context) {
	s.tickCount++
	s.lastTick = s.clock.Now()
	slog.Debug("Context refresh tick", "tick", s.tickCount)

	if err := s.syncStreamers(ctx); err != nil {
		slog.Error("Failed to sync streamers", "error", err)
	}

	for _, login := range s.source.Streamers() {
		if state, ok := s.states[login]; ok {
			s.processStreamer(ctx, state)
		}
	}
}

func (s *Service) minuteWatchedLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(minuteWatchedEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sendMinuteWatchedForStreamers(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Status reports a snapshot of the run for the HTTP layer.
func (s *Service) Status() domain.MinerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.MinerStatus{
		Running:         s.running,
		TickCount:       s.tickCount,
		PubSubConnected: s.pubsub.IsConnected(),
		UserID:          s.userID,
	}
	if !s.startedAt.IsZero() {
		startedAt := s.startedAt
		status.StartedAt = &startedAt
	}
	if !s.lastTick.IsZero() {
		lastTick := s.lastTick
		status.LastTick = &lastTick
	}
	status.Streamers = s.source.Streamers()
	return status
}

// RuntimeStates reports the per-streamer online/watched flags for every
// configured login, in config order.
func (s *Service) RuntimeStates() []domain.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	configured := s.source.Streamers()
	out := make([]domain.RuntimeState, 0, len(configured))

	if !s.running {
		for _, login := range configured {
			out = append(out, domain.RuntimeState{Login: login})
		}
		return out
	}

	watched := make(map[string]struct{})
	for _, state := range s.selectStreamersToWatch() {
		watched[state.Name] = struct{}{}
	}

	for _, login := range configured {
		state := s.states[login]
		_, isWatched := watched[login]
		out = append(out, domain.RuntimeState{
			Login:     login,
			IsOnline:  state != nil && state.IsLive,
			IsWatched: isWatched,
		})
	}
	return out
}

// BalanceByLogin reports the last known balance for every configured
// streamer whose context has been refreshed at least once in this run.
func (s *Service) BalanceByLogin() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	balances := make(map[string]int)
	if !s.running {
		return balances
	}
	for _, login := range s.source.Streamers() {
		state, ok := s.states[login]
		if !ok || state.LastContextRefresh.IsZero() {
			continue
		}
		balances[login] = state.ChannelPoints
	}
	return balances
}

// LastStartResult returns the outcome of the most recent start attempt, or
// nil before the first one.
func (s *Service) LastStartResult() *domain.StartResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastStartResult == nil {
		return nil
	}
	result := *s.lastStartResult
	return &result
}

func (s *Service) findStateByChannelID(channelID string) *domain.StreamerState {
	if channelID == "" {
		return nil
	}
	for _, state := range s.states {
		if state.ChannelID == channelID {
			return state
		}
	}
	return nil
}
