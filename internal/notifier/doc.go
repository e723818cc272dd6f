// Package notifier tells the relay operator what happened to their posts.
//
// The relay engine reports each notice (duplicate awaiting approval, post
// published or failed, store write lost) through RelayNotifier, which renders
// it as an HTML message for the admin chat. Service queues those messages
// and sends them in the background so a slow Telegram API never stalls
// publishing. Repeats about the same submission inside the dedup window are
// sent once.
package notifier
