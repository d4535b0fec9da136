// Package chat connects the bot to Twitch IRC.
//
// Every PRIVMSG in TWITCH_CHANNEL becomes a bus.UserCommand carrying the sender's name,
// badge names as roles and the raw text; the router decides what, if anything, it means.
// Replies go out through Client.Say.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// chat:read/chat:edit scopes (TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN).
package chat
