package bot

// =============================================================================
// General messages
// =============================================================================

const (
	MsgOk            = `Ok!`
	MsgUnexpectedErr = `Unexpected error: %s`
	MsgStartPrompt   = `
		Send a photo of the issue you want to report.

		Share your location with the 📎 button so the report can be placed on the map, then send /send.`
	MsgVersionInfo = "Version: %s\nBuilt: %s"
	MsgBusy        = "Still working on your previous photo, please wait."
)

// =============================================================================
// Capture messages
// =============================================================================

const (
	MsgPhotoSelected       = "📷 Photo received. Send /send to submit it or /cancel to discard it."
	MsgPhotoNeedsLocation  = "📷 Photo received. Share your location, then send /send."
	MsgPhotoDownloadFailed = "Could not download the photo: %s"
	MsgPhotoInvalid        = "That doesn't look like an image I can read."
	MsgDiscarded           = "Photo discarded."
	MsgNothingToDiscard    = "There is no photo to discard."
	MsgLocationSet         = "📍 Location set to %.5f, %.5f."
	MsgLocationFailed      = "Could not use that location: %s"
	MsgIdentityFailed      = "Could not set up your reporter id: %s"
)

// =============================================================================
// Submission messages
// =============================================================================

const (
	MsgUploading       = "Uploading photo…"
	MsgSubmitFailed    = "❌ %s"
	MsgSubmitHint      = "%s\n\n_%s_"
	MsgRetryHint       = "Send /send to try again or /cancel to discard the photo."
	MsgSubmitted       = "✅ Report submitted."
	MsgSubmittedDetail = "✅ Report submitted.\n\n%s"
	MsgPhotoIDLine     = "Photo id: `%s`\nIf the result is wrong, send `/irrelevant %s <what is wrong>`."
)

// =============================================================================
// Relevance feedback messages
// =============================================================================

const (
	MsgIrrelevantUsage   = "Usage: `/irrelevant [photo_id] [what is wrong]`"
	MsgIrrelevantNoPhoto = "No recent report to give feedback on. Add the photo id: " + MsgIrrelevantUsage
	MsgIrrelevantNoID    = "Your reporter id isn't set up yet. Send a photo first."
	MsgIrrelevantThanks  = "Thanks for the feedback! Relevance changed by %+.2f."
	MsgFeedbackDisabled  = "Feedback is not available."
)

// =============================================================================
// Status messages
// =============================================================================

const (
	MsgStatus = `
		*State:* %s
		*Photo:* %s
		*Location:* %s`
	MsgStatusError = "\n*Last error:* %s"
	MsgYes         = "yes"
	MsgNo          = "no"
	MsgUnknown     = "unknown"
)

// =============================================================================
// Admin command messages
// =============================================================================

const (
	MsgAdminUsage           = "Usage:\n`/admin users add <user_id>`\n`/admin users remove <user_id>`\n`/admin users list`"
	MsgAdminUserAddUsage    = "Usage: `/admin users add <user_id>`"
	MsgAdminUserRemoveUsage = "Usage: `/admin users remove <user_id>`"
	MsgAdminUserInvalidID   = "Invalid user id. Give a number."
	MsgAdminUserAdded       = "✅ User `%d` added."
	MsgAdminUserRemoved     = "🗑 User `%d` removed."
	MsgAdminNoUsers         = "No allowed users."
	MsgAdminAllowedUsers    = "*Allowed users:*\n"
)
