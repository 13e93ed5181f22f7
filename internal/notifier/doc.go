// Package notifier turns a status change into notification records and
// delivers them through channel senders.
//
// # Records
//
// For every (channel, recipient) target of a tenant the dispatcher creates a
// pending record, sends, then finalizes the record exactly once as sent or
// failed. A send interrupted by cancellation leaves the record pending.
//
// # Senders
//
// email (SMTP via gomail), telegram (telebot) and inapp (event bus). Transport
// senders share the retry policy and a per-channel rate limit; inapp is
// fire-and-forget.
//
// # History
//
// For operator visibility the dispatcher keeps a small in-memory history of
// recent outcomes.
package notifier
