// Package relay is the scheduling, duplicate-suppression and thread-grouping
// engine that sits between the channel listener and the X publisher.
//
// Inbound items flow through the Aggregator (album grouping), ParseSchedule
// (caption directives), the duplicate Resolver and the time-ordered queue.
// Engine.Run owns the single timing goroutine that dispatches due
// submissions through Assemble and the Publisher.
//
// All queue mutations happen under Engine's mutex. Network calls (publishing)
// never hold it.
package relay
