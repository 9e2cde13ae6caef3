package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/raine/city-vision-capture/internal/identity"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/pipeline"
	"github.com/rs/zerolog/log"
)

// identityPlatform prefixes chat identities so they never collide with ids
// from other front-ends.
const identityPlatform = "telegram"

type BotState struct {
	bot      *Bot
	mu       sync.Mutex
	sessions map[int64]*UserSession
}

func (bs *BotState) newUserSession(userId int64) *UserSession {
	ctx, cancel := context.WithCancel(context.Background())
	session := &UserSession{
		userId: userId,
		sender: bs.bot.tg,
		inbox:  make(chan SessionMessage, 10), // Buffered to avoid blocking
		ctx:    ctx,
		cancel: cancel,
		feed:   location.NewFeed(),
	}

	session.identity = identity.NewService(
		bs.bot.store,
		identity.ChatFingerprinter{Platform: identityPlatform, UserID: userId, Salt: bs.bot.salt},
		identity.WithKey(fmt.Sprintf("%s:%s:%d", identity.StorageKey, identityPlatform, userId)),
	)

	// Chats have no IP-based fallback: the location is whatever the user shared.
	session.location = location.NewResolver(session.feed, nil,
		location.WithTimeout(bs.bot.locationTimeout),
		location.WithDefaultPlace(bs.bot.defaultPlace),
	)

	session.orchestrator = pipeline.New(
		session.identity,
		session.location,
		bs.bot.uploader,
		bs.bot.analyzer,
		pipeline.WithCompleteDelay(bs.bot.completeDelay),
		pipeline.WithObserver(func(e pipeline.Event) {
			ev := log.Debug().Int64("userId", userId).Str("from", e.From.String()).Str("to", e.To.String())
			if e.Err != nil {
				ev = ev.Str("error", e.Err.Message)
			}
			ev.Msg("session pipeline event")
		}),
	)

	log.Info().Int64("userId", userId).Msg("new user session created")
	return session
}

func (bs *BotState) getUserSession(userId int64) *UserSession {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if session, ok := bs.sessions[userId]; ok {
		return session
	}
	session := bs.newUserSession(userId)
	session.SetHandler(bs.bot)
	session.StartWorker()
	bs.sessions[userId] = session
	return session
}

func (b *Bot) NewBotState() BotState {
	return BotState{
		bot:      b,
		sessions: make(map[int64]*UserSession),
	}
}

// Shutdown stops all session workers gracefully.
func (bs *BotState) Shutdown() {
	bs.mu.Lock()
	sessions := make([]*UserSession, 0, len(bs.sessions))
	for _, session := range bs.sessions {
		sessions = append(sessions, session)
	}
	bs.mu.Unlock()

	// Stop all workers (outside the lock to avoid blocking)
	for _, session := range sessions {
		session.Stop()
	}
	log.Info().Int("count", len(sessions)).Msg("stopped all session workers")
}
