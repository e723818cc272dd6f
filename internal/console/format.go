package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tgrelay/internal/relay"
	"tgrelay/internal/transport/telegram/router"
	"tgrelay/pkg/tgui"
)

const captionExcerpt = 60

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func excerpt(caption string) string {
	caption = strings.Join(strings.Fields(caption), " ")
	if caption == "" {
		return "(no caption)"
	}
	return tgui.TruncRunes(caption, captionExcerpt)
}

func clock(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02 15:04")
}

func renderQueue(pending, awaiting []relay.Submission, deadline func(relay.DuplicateApproval) time.Time, loc *time.Location) string {
	if len(pending) == 0 && len(awaiting) == 0 {
		return "queue empty"
	}
	var lines []string
	if len(pending) > 0 {
		lines = append(lines, fmt.Sprintf("<b>Scheduled</b> (%d)", len(pending)))
		for i, s := range pending {
			lines = append(lines, fmt.Sprintf("%d. %s %s · %d item(s) · %s",
				i+1,
				tgui.Code(clock(s.FireAt, loc)),
				tgui.Code(shortID(s.ID)),
				len(s.Items),
				tgui.Esc(excerpt(s.Caption)),
			))
		}
	}
	if len(awaiting) > 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("<b>Awaiting approval</b> (%d)", len(awaiting)))
		for _, s := range awaiting {
			if s.Approval == nil {
				continue
			}
			lines = append(lines, fmt.Sprintf("• %s expires %s · %d item(s) · %s",
				tgui.Code(shortID(s.Approval.ID)),
				tgui.Code(clock(deadline(*s.Approval), loc)),
				len(s.Items),
				tgui.Esc(excerpt(s.Caption)),
			))
		}
		lines = append(lines, "", "Use /ok &lt;id&gt; or /no &lt;id&gt;.")
	}
	return strings.Join(lines, "\n")
}

func renderCleared(n int, err error) string {
	text := fmt.Sprintf("cancelled %d post(s)", n)
	if err != nil {
		text += "\n⚠️ store: " + tgui.Esc(err.Error()).String()
	}
	return text
}

func renderResolved(sub relay.Submission, approve bool, err error, loc *time.Location) string {
	switch {
	case errors.Is(err, relay.ErrApprovalNotFound):
		return "no pending approval with that id"
	case errors.Is(err, relay.ErrAmbiguousID):
		return "id matches more than one approval, use more characters"
	case err != nil:
		return "⚠️ " + tgui.Esc(err.Error()).String()
	case approve:
		return fmt.Sprintf("✅ approved %s, scheduled for %s", tgui.Code(shortID(sub.ID)), tgui.Code(clock(sub.FireAt, loc)))
	default:
		return fmt.Sprintf("🗑 discarded %s", tgui.Code(shortID(sub.ID)))
	}
}

func renderLast(rec relay.DispatchRecord, ok bool, loc *time.Location) string {
	if !ok {
		return "none yet"
	}
	lines := []string{
		"<b>Last post</b>",
		tgui.Link(rec.Ref, rec.Ref).String(),
		tgui.Esc(excerpt(rec.Caption)).String(),
	}
	if !rec.PublishedAt.IsZero() {
		lines = append(lines, tgui.I(clock(rec.PublishedAt, loc)).String())
	}
	return strings.Join(lines, "\n")
}

func renderStatus(st relay.Stats, sups []router.NamedSnapshot, uptime time.Duration, loc *time.Location) string {
	next := "none"
	if !st.NextFire.IsZero() {
		next = clock(st.NextFire, loc)
	}
	lines := []string{
		"<b>Status</b>",
		"uptime " + tgui.Code(uptime.Truncate(time.Second).String()).String(),
		fmt.Sprintf("scheduled %d · awaiting %d · in flight %d", st.Scheduled, st.AwaitingApproval, st.InFlight),
		fmt.Sprintf("open albums %d · pending commits %d", st.Groups, st.PendingCommits),
		"next " + tgui.Code(next).String(),
	}
	if len(sups) > 0 {
		lines = append(lines, "", "<b>Workers</b>")
	}
	for _, s := range sups {
		line := "• " + tgui.Code(s.Name).String() + " active " + strconv.FormatInt(s.Active, 10)
		if s.FirstError != "" {
			line += " · " + tgui.I(tgui.TruncRunes(s.FirstError, 80)).String()
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
