package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/location"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/raine/city-vision-capture/internal/pipeline"
	"github.com/raine/city-vision-capture/internal/storage"
	"github.com/rs/zerolog/log"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const callbackIrrelevant = "irrelevant:"

// BotAPI defines the interface for Telegram bot API operations.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Services are the capture back-ends shared by all chat sessions.
type Services struct {
	Uploader  pipeline.Uploader
	Analyzer  analysis.Analyzer
	Relevance analysis.RelevanceSubmitter

	// Salt keys the chat identity hash.
	Salt          []byte
	CompleteDelay time.Duration
	DefaultPlace  location.Place
}

// Bot is the Telegram front-end of the capture pipeline.
type Bot struct {
	tg         BotAPI
	state      BotState
	store      storage.Store
	adminID    int64
	downloader *ImageDownloader

	uploader        pipeline.Uploader
	analyzer        analysis.Analyzer
	relevance       analysis.RelevanceSubmitter
	salt            []byte
	completeDelay   time.Duration
	locationTimeout time.Duration
	defaultPlace    location.Place
}

// NewBot creates a new Bot instance.
func NewBot(tg BotAPI, store storage.Store, adminID int64) *Bot {
	bot := &Bot{
		tg:              tg,
		store:           store,
		adminID:         adminID,
		downloader:      NewImageDownloader(),
		completeDelay:   pipeline.DefaultCompleteDelay,
		locationTimeout: location.DefaultTimeout,
	}
	bot.state = bot.NewBotState()
	return bot
}

// SetServices sets the pipeline back-ends. Must be called before the first
// update is handled.
func (b *Bot) SetServices(s Services) {
	b.uploader = s.Uploader
	b.analyzer = s.Analyzer
	b.relevance = s.Relevance
	b.salt = s.Salt
	b.defaultPlace = s.DefaultPlace
	if s.CompleteDelay > 0 {
		b.completeDelay = s.CompleteDelay
	}
}

// Shutdown stops all sessions.
func (b *Bot) Shutdown() {
	b.state.Shutdown()
}

// HandleUpdate is the main message router.
// It dispatches messages to the appropriate session worker for sequential processing.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, false)
}

// handleUpdateSync is like HandleUpdate but waits for message processing to complete.
func (b *Bot) handleUpdateSync(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, true)
}

func (b *Bot) dispatchUpdate(ctx context.Context, update tgbotapi.Update, sync bool) {
	var userId int64

	switch {
	case update.CallbackQuery != nil:
		userId = update.CallbackQuery.From.ID
	case update.Message != nil && update.Message.From != nil:
		userId = update.Message.From.ID
	case update.EditedMessage != nil && update.EditedMessage.From != nil:
		userId = update.EditedMessage.From.ID
	default:
		return
	}

	// Must run before getUserSession so random user ids can't allocate sessions
	if userId != b.adminID {
		allowed, err := b.store.IsUserAllowed(userId)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userId).Msg("whitelist check failed")
			return // Fail closed
		}
		if !allowed {
			return // Silent drop
		}
	}

	session := b.state.getUserSession(userId)

	send := func(msg SessionMessage) {
		if sync {
			session.SendSync(msg)
		} else {
			session.Send(msg)
		}
	}

	switch {
	case update.CallbackQuery != nil:
		send(SessionMessage{Type: "callback", Ctx: ctx, CallbackQuery: update.CallbackQuery})
	case update.Message != nil:
		msg := update.Message
		log.Info().Str("text", msg.Text).Str("caption", msg.Caption).Msg("got message")
		switch {
		case len(msg.Photo) > 0 || isImageDocument(msg.Document):
			send(SessionMessage{Type: "photo", Ctx: ctx, Message: msg})
		case msg.Location != nil:
			send(SessionMessage{Type: "location", Ctx: ctx, Message: msg})
		default:
			send(SessionMessage{Type: "text", Ctx: ctx, Message: msg})
		}
	case update.EditedMessage != nil && update.EditedMessage.Location != nil:
		// Live location updates arrive as edits
		send(SessionMessage{Type: "location_update", Ctx: ctx, Message: update.EditedMessage})
	}
}

// HandleSessionMessage implements MessageHandler. It is called by the
// session worker goroutine.
func (b *Bot) HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage) {
	switch msg.Type {
	case "callback":
		b.handleCallbackQuery(ctx, session, msg.CallbackQuery)
	case "photo":
		b.handlePhotoMessage(ctx, session, msg.Message)
	case "location":
		b.handleLocationMessage(ctx, session, msg.Message)
	case "location_update":
		session.feed.Push(positionOf(msg.Message.Location))
	case "text":
		b.handleCommand(ctx, session, msg.Message)
	}
}

func isImageDocument(doc *tgbotapi.Document) bool {
	return doc != nil && strings.HasPrefix(doc.MimeType, "image/")
}

func positionOf(loc *tgbotapi.Location) location.Position {
	return location.Position{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.HorizontalAccuracy,
	}
}

// largestPhoto returns the highest resolution size Telegram offers.
func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	sorted := make([]tgbotapi.PhotoSize, len(sizes))
	copy(sorted, sizes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Width*sorted[i].Height > sorted[j].Width*sorted[j].Height
	})
	return sorted[0]
}

// handlePhotoMessage makes the photo the image of a new capture attempt.
func (b *Bot) handlePhotoMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	if session.Status().Busy {
		session.reply(MsgBusy)
		return
	}

	var fileID string
	if len(message.Photo) > 0 {
		fileID = largestPhoto(message.Photo).FileID
	} else {
		fileID = message.Document.FileID
	}

	session.sendTypingAction()
	data, err := b.downloader.DownloadFromTelegramFileID(ctx, b.tg.GetFileDirectURL, fileID)
	if err != nil {
		log.Error().Err(err).Str("fileID", fileID).Msg("failed to download photo")
		session.reply(MsgPhotoDownloadFailed, escapeMarkdown(err.Error()))
		return
	}
	img, err := media.Decode(bytes.NewReader(data), fileID+".jpg")
	if err != nil {
		log.Warn().Err(err).Str("fileID", fileID).Msg("failed to decode photo")
		session.reply(MsgPhotoInvalid)
		return
	}

	if err := session.orchestrator.Select(img); err != nil {
		img.Release()
		if errors.Is(err, pipeline.ErrInvalidTransition) {
			session.reply(MsgBusy)
			return
		}
		session.replyWithError(err)
		return
	}

	if _, err := session.identity.VisitorID(ctx); err != nil {
		log.Error().Err(err).Int64("userId", session.userId).Msg("failed to resolve visitor id")
		session.reply(MsgIdentityFailed, escapeMarkdown(err.Error()))
		return
	}

	if _, ok := session.location.Current(); !ok {
		session.replyLocationKeyboard(MsgPhotoNeedsLocation)
		return
	}
	session.reply(MsgPhotoSelected)
}

// handleLocationMessage feeds a shared location into the session resolver.
func (b *Bot) handleLocationMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	session.feed.Push(positionOf(message.Location))

	loc, err := session.location.Rerequest(ctx)
	if err != nil {
		session.reply(MsgLocationFailed, escapeMarkdown(err.Error()))
		return
	}

	text := fmt.Sprintf(MsgLocationSet, loc.Latitude, loc.Longitude)
	if snap := session.Status(); snap.HasImage && snap.State == pipeline.StateIdle {
		text += " " + MsgPhotoSelected
	}
	session.replyAndRemoveCustomKeyboard(text)
}

// handleCommand processes bot commands.
func (b *Bot) handleCommand(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	command, args := parseCommand(message.Text)
	switch command {
	case "/start":
		session.replyLocationKeyboard(MsgStartPrompt)
	case "/send":
		b.handleSendCommand(ctx, session)
	case "/cancel":
		b.handleCancelCommand(session)
	case "/status":
		b.handleStatusCommand(session)
	case "/irrelevant":
		b.handleIrrelevantCommand(ctx, session, args)
	case "/admin":
		b.handleAdminCommand(session, args)
	case "/version":
		session.reply(MsgVersionInfo, Version, BuildTime)
	default:
		session.reply(MsgStartPrompt)
	}
}

// handleSendCommand uploads and analyzes the selected photo.
func (b *Bot) handleSendCommand(ctx context.Context, session *UserSession) {
	if _, ok := session.identity.Current(); !ok {
		if _, err := session.identity.VisitorID(ctx); err != nil {
			session.reply(MsgIdentityFailed, escapeMarkdown(err.Error()))
			return
		}
	}

	typingCtx, stopTyping := context.WithCancel(ctx)
	go session.startTypingLoop(typingCtx)
	res, err := session.orchestrator.Submit(ctx)
	stopTyping()

	if err != nil {
		b.replySubmitError(session, err)
		return
	}

	photoID := res.PhotoID()
	if photoID != "" {
		session.lastPhotoID = photoID
	}

	text := MsgSubmitted
	if summary := summarizeResult(res); summary != "" {
		text = fmt.Sprintf(MsgSubmittedDetail, escapeMarkdown(summary))
	}
	msg := tgbotapi.NewMessage(session.userId, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if photoID != "" {
		msg.Text += "\n\n" + fmt.Sprintf(MsgPhotoIDLine, photoID, photoID)
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("👎 Not relevant", callbackIrrelevant+photoID),
			),
		)
	}
	session.replyWithMessage(msg)
}

func (b *Bot) replySubmitError(session *UserSession, err error) {
	if errors.Is(err, pipeline.ErrInvalidTransition) {
		session.reply(MsgBusy)
		return
	}

	fe := failure.As(err)
	text := fmt.Sprintf(MsgSubmitFailed, escapeMarkdown(fe.Message))
	if fe.Hint != "" {
		text = fmt.Sprintf(MsgSubmitHint, text, escapeMarkdown(fe.Hint))
	}
	if fe.Kind != failure.KindValidation {
		text += "\n\n" + MsgRetryHint
	}
	session.replyWithMessage(tgbotapi.MessageConfig{Text: text, ParseMode: tgbotapi.ModeMarkdown})
}

// summarizeResult picks the human readable part of an analysis result.
func summarizeResult(res analysis.Result) string {
	if msg := res.Message(); msg != "" {
		return msg
	}
	var lines []string
	for _, key := range []string{"category", "description", "severity"} {
		if v, ok := res[key]; ok && v != nil && v != "" {
			lines = append(lines, fmt.Sprintf("%s: %v", key, v))
		}
	}
	return strings.Join(lines, "\n")
}

func (b *Bot) handleCancelCommand(session *UserSession) {
	if !session.Status().HasImage {
		session.replyAndRemoveCustomKeyboard(MsgNothingToDiscard)
		return
	}
	if err := session.orchestrator.Discard(); err != nil {
		if errors.Is(err, pipeline.ErrInvalidTransition) {
			session.reply(MsgBusy)
			return
		}
		session.replyWithError(err)
		return
	}
	session.replyAndRemoveCustomKeyboard(MsgDiscarded)
}

func (b *Bot) handleStatusCommand(session *UserSession) {
	snap := session.Status()

	photo := MsgNo
	if snap.HasImage {
		photo = MsgYes
	}
	where := MsgUnknown
	if loc, ok := session.location.Current(); ok {
		where = fmt.Sprintf("%.5f, %.5f (%s)", loc.Latitude, loc.Longitude, loc.Method)
	}

	text := formatReplyText(MsgStatus, snap.State, photo, where)
	if snap.Err != nil {
		text += fmt.Sprintf(MsgStatusError, escapeMarkdown(snap.Err.Message))
	}
	session.replyWithMessage(tgbotapi.MessageConfig{Text: text, ParseMode: tgbotapi.ModeMarkdown})
}

// handleIrrelevantCommand handles /irrelevant [photo_id [info...]]. Without
// arguments the last report of the session is used.
func (b *Bot) handleIrrelevantCommand(ctx context.Context, session *UserSession, args []string) {
	photoID := session.lastPhotoID
	var info string
	if len(args) > 0 {
		photoID = args[0]
		info = strings.Join(args[1:], " ")
	}
	if photoID == "" {
		session.reply(MsgIrrelevantNoPhoto)
		return
	}
	b.submitRelevance(ctx, session, photoID, info)
}

func (b *Bot) submitRelevance(ctx context.Context, session *UserSession, photoID, info string) {
	if b.relevance == nil {
		session.reply(MsgFeedbackDisabled)
		return
	}
	visitorID, ok := session.identity.Current()
	if !ok {
		session.reply(MsgIrrelevantNoID)
		return
	}

	res, err := b.relevance.SubmitRelevance(ctx, analysis.Feedback{
		PhotoID:        photoID,
		UserID:         string(visitorID),
		AdditionalInfo: info,
	})
	if err != nil {
		log.Error().Err(err).Str("photoId", photoID).Msg("relevance feedback failed")
		session.reply(MsgSubmitFailed, escapeMarkdown(failure.As(err).Message))
		return
	}
	log.Info().Str("photoId", photoID).Float64("delta", res.DeltaScore).Msg("relevance feedback sent")
	session.reply(MsgIrrelevantThanks, res.DeltaScore)
}

// handleCallbackQuery handles inline keyboard button presses.
func (b *Bot) handleCallbackQuery(ctx context.Context, session *UserSession, query *tgbotapi.CallbackQuery) {
	// Answer the callback to remove the loading state
	b.tg.Request(tgbotapi.NewCallback(query.ID, ""))

	if photoID, ok := strings.CutPrefix(query.Data, callbackIrrelevant); ok {
		// Remove the button so feedback is sent once
		if query.Message != nil {
			edit := tgbotapi.NewEditMessageReplyMarkup(
				query.Message.Chat.ID,
				query.Message.MessageID,
				tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}},
			)
			b.tg.Request(edit)
		}
		b.submitRelevance(ctx, session, photoID, "")
	}
}

// handleAdminCommand handles /admin command with subcommands.
func (b *Bot) handleAdminCommand(session *UserSession, parts []string) {
	// Defense in depth: verify caller is admin even though whitelist check passed
	if session.userId != b.adminID {
		return
	}

	if len(parts) < 2 || parts[0] != "users" {
		session.reply(MsgAdminUsage)
		return
	}
	b.handleAdminUsersCommand(session, parts[1], parts[2:])
}

func (b *Bot) handleAdminUsersCommand(session *UserSession, action string, args []string) {
	switch action {
	case "add":
		if len(args) < 1 {
			session.reply(MsgAdminUserAddUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.store.AddAllowedUser(userID, session.userId); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserAdded, userID)

	case "remove":
		if len(args) < 1 {
			session.reply(MsgAdminUserRemoveUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.store.RemoveAllowedUser(userID); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserRemoved, userID)

	case "list":
		users, err := b.store.GetAllowedUsers()
		if err != nil {
			session.replyWithError(err)
			return
		}
		if len(users) == 0 {
			session.reply(MsgAdminNoUsers)
			return
		}
		var sb strings.Builder
		sb.WriteString(MsgAdminAllowedUsers)
		for _, u := range users {
			sb.WriteString(fmt.Sprintf("• `%d` (added %s)\n", u.TelegramID, u.AddedAt.Format("2006-01-02")))
		}
		session.replyWithMessage(tgbotapi.MessageConfig{Text: sb.String(), ParseMode: tgbotapi.ModeMarkdown})

	default:
		session.reply(MsgAdminUsage)
	}
}
