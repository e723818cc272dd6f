// Package tgui holds small helpers for Telegram HTML messages and inline
// keyboards: escaping, formatting tags, truncation and callback data.
package tgui
